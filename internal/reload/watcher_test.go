package reload

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/timzifer/fleetcollector/config"
)

func TestUniquePathsFiltersDuplicatesAndEmptyValues(t *testing.T) {
	paths := []string{"", "/tmp/a", "/tmp/b", "/tmp/a", "/tmp/c", "/tmp/b"}
	got := uniquePaths(paths)
	want := []string{"/tmp/a", "/tmp/b", "/tmp/c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uniquePaths() = %v, want %v", got, want)
	}
}

func TestWatcherUpdateTracksSourceAndRoot(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "collector.yaml")
	root := filepath.Join(dir, "override.yaml")
	writeFile(t, source, "database: {}")
	writeFile(t, root, "polling: {}")

	var watcher Watcher
	if err := watcher.Update(root, &config.Config{Source: source}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	want := []string{source, root}
	if got := watcher.Tracked(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Tracked() = %v, want %v", got, want)
	}
}

func TestWatcherUpdateSkipsMissingFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Source: filepath.Join(dir, "missing.yaml")}

	var watcher Watcher
	if err := watcher.Update(dir, cfg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got := watcher.Tracked(); len(got) != 0 {
		t.Fatalf("expected no tracked files, got %v", got)
	}
}

func TestWatcherCheckDetectsChangesAndRemovals(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.yaml")
	fileB := filepath.Join(dir, "b.yaml")
	writeFile(t, fileA, "first")
	writeFile(t, fileB, "second")

	watcher, err := NewWatcher(fileB, &config.Config{Source: fileA})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}

	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	} else if len(changed) != 0 {
		t.Fatalf("expected no changes on first check, got %v", changed)
	}

	time.Sleep(10 * time.Millisecond)
	writeFile(t, fileA, "first-UPDATED")
	if err := os.Remove(fileB); err != nil {
		t.Fatalf("Remove(%s) error = %v", fileB, err)
	}

	changed, err := watcher.Check()
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if want := []string{fileA, fileB}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("Check() = %v, want %v", changed, want)
	}
}

func TestWatcherHandlesNilReceiver(t *testing.T) {
	var watcher *Watcher
	if err := watcher.Update("", &config.Config{}); err != nil {
		t.Fatalf("nil watcher Update() error = %v", err)
	}
	if changed, err := watcher.Check(); err != nil {
		t.Fatalf("nil watcher Check() error = %v", err)
	} else if changed != nil {
		t.Fatalf("expected nil slice from nil watcher, got %v", changed)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) error = %v", path, err)
	}
}
