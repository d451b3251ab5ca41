// Package decompose turns a natural-language goal into sub-tasks by describing
// the target repository to a model and validating the shape of its answer.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"
	"golang.org/x/sync/errgroup"
)

const (
	maxFiles        = 200
	maxDepth        = 5
	keyFileSample   = 50
	keyFileCount    = 20
	maxDependencies = 10
	statConcurrency = 8
)

// skipDirs are build and dependency directories never worth describing.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"coverage":     true,
	".turbo":       true,
	"__pycache__":  true,
	".cache":       true,
	"vendor":       true,
	"target":       true,
}

// KeyFile is one of the largest source files in the repository.
type KeyFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Analysis is a compact description of a repository, sized for a prompt.
type Analysis struct {
	RepoPath     string    `json:"repoPath"`
	Language     string    `json:"language"`
	TopLevelDirs []string  `json:"topLevelDirs"`
	Files        []string  `json:"files"`
	Manifest     string    `json:"manifest,omitempty"`
	PackageName  string    `json:"packageName,omitempty"`
	Description  string    `json:"description,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	KeyFiles     []KeyFile `json:"keyFiles"`
}

// Analyze walks repoPath and summarises its layout. File paths are relative
// to repoPath and slash-separated.
func Analyze(ctx context.Context, repoPath string) (*Analysis, error) {
	info, err := os.Stat(repoPath)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", repoPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repoPath '%s' is not a directory", repoPath)
	}

	a := &Analysis{
		RepoPath:     repoPath,
		TopLevelDirs: []string{},
		Files:        []string{},
		KeyFiles:     []KeyFile{},
	}

	entries, err := os.ReadDir(repoPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", repoPath, err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") && !skipDirs[e.Name()] {
			a.TopLevelDirs = append(a.TopLevelDirs, e.Name())
		}
	}

	readManifest(repoPath, a)

	files, err := collectFiles(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	a.Files = files

	keys, err := largestFiles(ctx, repoPath, files)
	if err != nil {
		return nil, err
	}
	a.KeyFiles = keys

	return a, nil
}

// collectFiles lists up to maxFiles files at most maxDepth directories deep,
// skipping dot entries and build output.
func collectFiles(ctx context.Context, root string) ([]string, error) {
	files := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are left out of the summary.
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if len(files) >= maxFiles {
			return fs.SkipAll
		}
		if path == root {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if skipDirs[name] || depth(rel) > maxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

func depth(rel string) int {
	return strings.Count(filepath.ToSlash(rel), "/") + 1
}

// largestFiles stats the first keyFileSample files and keeps the
// keyFileCount largest.
func largestFiles(ctx context.Context, root string, files []string) ([]KeyFile, error) {
	sample := files
	if len(sample) > keyFileSample {
		sample = sample[:keyFileSample]
	}

	var (
		mu   sync.Mutex
		keys = make([]KeyFile, 0, len(sample))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for _, rel := range sample {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			info, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return nil
			}
			mu.Lock()
			keys = append(keys, KeyFile{Path: rel, Size: info.Size()})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("stat key files: %w", err)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Size != keys[j].Size {
			return keys[i].Size > keys[j].Size
		}
		return keys[i].Path < keys[j].Path
	})
	if len(keys) > keyFileCount {
		keys = keys[:keyFileCount]
	}
	return keys, nil
}

// readManifest fills the language and package fields from the first
// manifest found. Unparseable manifests still decide the language.
func readManifest(root string, a *Analysis) {
	for _, m := range []struct {
		name  string
		parse func([]byte, *Analysis) error
	}{
		{"package.json", parsePackageJSON},
		{"go.mod", parseGoMod},
		{"Cargo.toml", parseCargo},
		{"pyproject.toml", parsePyProject},
	} {
		data, err := os.ReadFile(filepath.Join(root, m.name))
		if err != nil {
			continue
		}
		a.Manifest = m.name
		if err := m.parse(data, a); err != nil {
			a.Dependencies = nil
		}
		if a.Language == "" {
			a.Language = fallbackLanguage(m.name)
		}
		return
	}

	for _, dir := range []string{"src", "lib"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err == nil && info.IsDir() {
			a.Language = "TypeScript"
			return
		}
	}
	a.Language = "Unknown"
}

func fallbackLanguage(manifest string) string {
	switch manifest {
	case "package.json":
		return "TypeScript/Node.js"
	case "go.mod":
		return "Go"
	case "Cargo.toml":
		return "Rust"
	case "pyproject.toml":
		return "Python"
	}
	return "Unknown"
}

func parsePackageJSON(data []byte, a *Analysis) error {
	var pkg struct {
		Name            string            `json:"name"`
		Description     string            `json:"description"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return err
	}
	a.PackageName = pkg.Name
	a.Description = pkg.Description

	has := func(name string) bool {
		_, dep := pkg.Dependencies[name]
		_, dev := pkg.DevDependencies[name]
		return dep || dev
	}
	switch {
	case has("react"):
		a.Language = "TypeScript/React"
	case has("next"):
		a.Language = "TypeScript/Next.js"
	case has("express"), has("fastify"), has("hono"):
		a.Language = "TypeScript/Node.js"
	case has("vite"):
		a.Language = "TypeScript/Vite"
	default:
		a.Language = "TypeScript/Node.js"
	}
	a.Dependencies = firstKeys(pkg.Dependencies)
	return nil
}

func parseGoMod(data []byte, a *Analysis) error {
	f, err := modfile.ParseLax("go.mod", data, nil)
	if err != nil {
		return err
	}
	a.Language = "Go"
	if f.Module != nil {
		a.PackageName = f.Module.Mod.Path
	}
	for _, r := range f.Require {
		if r.Indirect {
			continue
		}
		a.Dependencies = append(a.Dependencies, r.Mod.Path)
		if len(a.Dependencies) == maxDependencies {
			break
		}
	}
	return nil
}

func parseCargo(data []byte, a *Analysis) error {
	var cargo struct {
		Package struct {
			Name        string `toml:"name"`
			Description string `toml:"description"`
		} `toml:"package"`
		Dependencies map[string]any `toml:"dependencies"`
	}
	if err := toml.Unmarshal(data, &cargo); err != nil {
		return err
	}
	a.Language = "Rust"
	a.PackageName = cargo.Package.Name
	a.Description = cargo.Package.Description
	a.Dependencies = firstKeys(cargo.Dependencies)
	return nil
}

func parsePyProject(data []byte, a *Analysis) error {
	var py struct {
		Project struct {
			Name         string   `toml:"name"`
			Description  string   `toml:"description"`
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
	}
	if err := toml.Unmarshal(data, &py); err != nil {
		return err
	}
	a.Language = "Python"
	a.PackageName = py.Project.Name
	a.Description = py.Project.Description
	deps := py.Project.Dependencies
	if len(deps) > maxDependencies {
		deps = deps[:maxDependencies]
	}
	a.Dependencies = append([]string(nil), deps...)
	return nil
}

// firstKeys returns up to maxDependencies map keys in sorted order.
func firstKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > maxDependencies {
		keys = keys[:maxDependencies]
	}
	return keys
}
