package decompose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestAnalyzeNotADirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "file.txt", "x")

	_, err := Analyze(context.Background(), filepath.Join(dir, "file.txt"))
	if err == nil || !strings.Contains(err.Error(), "is not a directory") {
		t.Fatalf("err = %v, want not a directory", err)
	}

	if _, err := Analyze(context.Background(), filepath.Join(dir, "missing")); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestAnalyzeLayout(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "readme")
	writeFile(t, dir, "src/app.ts", strings.Repeat("a", 500))
	writeFile(t, dir, "src/util/strings.ts", strings.Repeat("b", 50))
	writeFile(t, dir, "node_modules/left-pad/index.js", "skip")
	writeFile(t, dir, "dist/bundle.js", "skip")
	writeFile(t, dir, ".github/workflows/ci.yml", "skip")
	writeFile(t, dir, ".env", "skip")
	writeFile(t, dir, "a/b/c/d/e/shallow.txt", "ok")
	writeFile(t, dir, "a/b/c/d/e/f/deep.txt", "too deep")

	a, err := Analyze(context.Background(), dir)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if want := []string{"a", "src"}; strings.Join(a.TopLevelDirs, ",") != strings.Join(want, ",") {
		t.Errorf("TopLevelDirs = %v, want %v", a.TopLevelDirs, want)
	}
	for _, want := range []string{"README.md", "src/app.ts", "src/util/strings.ts", "a/b/c/d/e/shallow.txt"} {
		if !contains(a.Files, want) {
			t.Errorf("Files missing %s: %v", want, a.Files)
		}
	}
	for _, skipped := range []string{"node_modules/left-pad/index.js", "dist/bundle.js", ".env", ".github/workflows/ci.yml", "a/b/c/d/e/f/deep.txt"} {
		if contains(a.Files, skipped) {
			t.Errorf("Files contains %s", skipped)
		}
	}

	if a.Language != "TypeScript" {
		t.Errorf("Language = %q, want TypeScript (src dir)", a.Language)
	}
	if len(a.KeyFiles) == 0 || a.KeyFiles[0].Path != "src/app.ts" || a.KeyFiles[0].Size != 500 {
		t.Errorf("KeyFiles[0] = %+v, want src/app.ts 500", a.KeyFiles)
	}
}

func TestAnalyzeFileLimits(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < maxFiles+30; i++ {
		writeFile(t, dir, fmt.Sprintf("pkg/f%03d.txt", i), strings.Repeat("x", i))
	}

	a, err := Analyze(context.Background(), dir)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(a.Files) != maxFiles {
		t.Errorf("len(Files) = %d, want %d", len(a.Files), maxFiles)
	}
	if len(a.KeyFiles) != keyFileCount {
		t.Fatalf("len(KeyFiles) = %d, want %d", len(a.KeyFiles), keyFileCount)
	}
	// Only the first 50 walked files are sampled, so f049 is the largest.
	if a.KeyFiles[0].Path != "pkg/f049.txt" {
		t.Errorf("largest key file = %s, want pkg/f049.txt", a.KeyFiles[0].Path)
	}
	for i := 1; i < len(a.KeyFiles); i++ {
		if a.KeyFiles[i].Size > a.KeyFiles[i-1].Size {
			t.Fatalf("KeyFiles not sorted by size: %+v", a.KeyFiles)
		}
	}
}

func TestAnalyzeManifests(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		language string
		pkg      string
		deps     []string
	}{
		{
			name:     "react package",
			file:     "package.json",
			content:  `{"name":"web","description":"storefront","dependencies":{"react":"^18","zod":"^3"}}`,
			language: "TypeScript/React",
			pkg:      "web",
			deps:     []string{"react", "zod"},
		},
		{
			name:     "next package",
			file:     "package.json",
			content:  `{"name":"site","dependencies":{"next":"14"}}`,
			language: "TypeScript/Next.js",
			pkg:      "site",
		},
		{
			name:     "server package",
			file:     "package.json",
			content:  `{"name":"api","dependencies":{"hono":"4"}}`,
			language: "TypeScript/Node.js",
			pkg:      "api",
		},
		{
			name:     "vite dev dependency",
			file:     "package.json",
			content:  `{"name":"ui","devDependencies":{"vite":"5"}}`,
			language: "TypeScript/Vite",
			pkg:      "ui",
		},
		{
			name:     "broken package json",
			file:     "package.json",
			content:  `{not json`,
			language: "TypeScript/Node.js",
		},
		{
			name:     "go module",
			file:     "go.mod",
			content:  "module example.com/svc\n\ngo 1.22\n\nrequire (\n\tgithub.com/google/uuid v1.6.0\n\tgolang.org/x/sync v0.7.0 // indirect\n)\n",
			language: "Go",
			pkg:      "example.com/svc",
			deps:     []string{"github.com/google/uuid"},
		},
		{
			name:     "cargo crate",
			file:     "Cargo.toml",
			content:  "[package]\nname = \"engine\"\ndescription = \"fast\"\n\n[dependencies]\nserde = \"1\"\ntokio = { version = \"1\" }\n",
			language: "Rust",
			pkg:      "engine",
			deps:     []string{"serde", "tokio"},
		},
		{
			name:     "python project",
			file:     "pyproject.toml",
			content:  "[project]\nname = \"tool\"\ndependencies = [\"requests>=2\"]\n",
			language: "Python",
			pkg:      "tool",
			deps:     []string{"requests>=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, tt.file, tt.content)

			a, err := Analyze(context.Background(), dir)
			if err != nil {
				t.Fatalf("Analyze: %v", err)
			}
			if a.Manifest != tt.file {
				t.Errorf("Manifest = %q, want %q", a.Manifest, tt.file)
			}
			if a.Language != tt.language {
				t.Errorf("Language = %q, want %q", a.Language, tt.language)
			}
			if a.PackageName != tt.pkg {
				t.Errorf("PackageName = %q, want %q", a.PackageName, tt.pkg)
			}
			if tt.deps != nil && strings.Join(a.Dependencies, ",") != strings.Join(tt.deps, ",") {
				t.Errorf("Dependencies = %v, want %v", a.Dependencies, tt.deps)
			}
		})
	}
}

func TestAnalyzeUnknownLanguage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.txt", "hello")

	a, err := Analyze(context.Background(), dir)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Language != "Unknown" {
		t.Errorf("Language = %q, want Unknown", a.Language)
	}
}

func TestAnalyzeCancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Analyze(ctx, dir); err == nil {
		t.Fatal("expected error from cancelled context")
	}
}
