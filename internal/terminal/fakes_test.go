package terminal

import (
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/swarm/internal/events"
)

// fakeShell feeds scripted output to the manager and records input.
type fakeShell struct {
	pid  int
	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	input  strings.Builder
	cols   int
	rows   int
	killed bool
	code   int
	done   chan struct{}
	once   sync.Once
}

func newFakeShell(pid int) *fakeShell {
	r, w := io.Pipe()
	return &fakeShell{pid: pid, outR: r, outW: w, done: make(chan struct{})}
}

func (s *fakeShell) Read(p []byte) (int, error) { return s.outR.Read(p) }

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killed {
		return 0, errors.New("shell is dead")
	}
	s.input.Write(p)
	return len(p), nil
}

func (s *fakeShell) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols, s.rows = cols, rows
	return nil
}

func (s *fakeShell) Kill() error {
	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()
	s.exit(-1)
	return nil
}

func (s *fakeShell) Wait() (int, error) {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, nil
}

func (s *fakeShell) Pid() int { return s.pid }

// emit blocks until the manager's reader has consumed data.
func (s *fakeShell) emit(t *testing.T, data string) {
	t.Helper()
	if _, err := s.outW.Write([]byte(data)); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func (s *fakeShell) exit(code int) {
	s.once.Do(func() {
		s.mu.Lock()
		s.code = code
		s.mu.Unlock()
		s.outW.Close()
		close(s.done)
	})
}

func (s *fakeShell) written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

func (s *fakeShell) isKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

func (s *fakeShell) size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// fakeSpawner hands out fake shells; spawns listed in fail return an error.
type fakeSpawner struct {
	mu      sync.Mutex
	calls   []SpawnOptions
	shells  []*fakeShell
	fail    map[int]bool // 1-based spawn number
	failAll bool
}

func (f *fakeSpawner) Spawn(opts SpawnOptions) (Shell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	n := len(f.calls)
	if f.failAll || f.fail[n] {
		return nil, errors.New("no pty available")
	}
	sh := newFakeShell(1000 + n)
	f.shells = append(f.shells, sh)
	return sh, nil
}

func (f *fakeSpawner) shell(i int) *fakeShell {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shells[i]
}

func (f *fakeSpawner) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// waitFor reads events until pred matches or the deadline passes.
func waitFor(t *testing.T, ch <-chan events.Event, pred func(events.Event) bool) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed")
			}
			if pred(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

func ofType(kind string) func(events.Event) bool {
	return func(ev events.Event) bool { return ev.EventType() == kind }
}

// expectNone fails if an event of kind arrives within a short window.
func expectNone(t *testing.T, ch <-chan events.Event, kind string) {
	t.Helper()
	deadline := time.After(100 * time.Millisecond)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.EventType() == kind {
				t.Errorf("unexpected %s event: %+v", kind, ev)
				return
			}
		case <-deadline:
			return
		}
	}
}
