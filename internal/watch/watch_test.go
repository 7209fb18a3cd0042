package watch

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/perchfs/perch/internal/debounce"
	"github.com/perchfs/perch/internal/vault"
)

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(root, vault.NewMatcher(nil, nil), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return w
}

// collect drains events until one matching the path and kind arrives or the
// timeout elapses.
func collect(t *testing.T, w *Watcher, path string, kind debounce.Kind) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("event channel closed while waiting")
			}
			if ev.Path == path && ev.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s %v", path, kind)
		}
	}
}

func TestWatcher_StartStop(t *testing.T) {
	w := newTestWatcher(t, t.TempDir())
	if w.IsRunning() {
		t.Error("watcher running before Start()")
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("watcher not running after Start()")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher still running after Stop()")
	}
	// Stop is idempotent.
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestWatcher_StartAlreadyRunning(t *testing.T) {
	w := newTestWatcher(t, t.TempDir())
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	if err := w.Start(); err == nil {
		t.Error("second Start() succeeded")
	}
}

func TestWatcher_EmitsTrackedEvents(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	path := filepath.Join(root, "inbox.org")
	if err := os.WriteFile(path, []byte("* TODO One\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	collect(t, w, "inbox.org", debounce.KindCreated)

	if err := os.WriteFile(path, []byte("* TODO One\n* Two\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	collect(t, w, "inbox.org", debounce.KindModified)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	collect(t, w, "inbox.org", debounce.KindRemoved)
}

func TestWatcher_IgnoresUntrackedFiles(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(root, "scratch.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Follow with a tracked file; if the untracked event leaked it would
	// arrive first.
	if err := os.WriteFile(filepath.Join(root, "a.org"), []byte("* One\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != "a.org" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tracked event")
	}
}

func TestWatcher_PicksUpNewDirectories(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	sub := filepath.Join(root, "projects")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to register the new directory before
	// writing into it.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "plan.org"), []byte("* One\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	collect(t, w, "projects/plan.org", debounce.KindCreated)
}

func TestWatcher_RenameEmitsRemoveAndCreate(t *testing.T) {
	root := t.TempDir()
	old := filepath.Join(root, "old.org")
	if err := os.WriteFile(old, []byte("* One\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w := newTestWatcher(t, root)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.Rename(old, filepath.Join(root, "new.org")); err != nil {
		t.Fatal(err)
	}

	// Arrival order of the two halves is platform-dependent.
	want := map[string]debounce.Kind{
		"old.org": debounce.KindRemoved,
		"new.org": debounce.KindCreated,
	}
	deadline := time.After(5 * time.Second)
	for len(want) > 0 {
		select {
		case ev := <-w.Events():
			if kind, ok := want[ev.Path]; ok && kind == ev.Kind {
				delete(want, ev.Path)
			}
		case <-deadline:
			t.Fatalf("timed out, still waiting for %v", want)
		}
	}
}
