package history

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestArchiveLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	archive := NewArchive(tempDir)

	if err := archive.EnsureRepo("doc-1", "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("archive directory missing: %v", err)
	}
	// Idempotent.
	if err := archive.EnsureRepo("doc-1", "Avery"); err != nil {
		t.Fatalf("EnsureRepo() second call error = %v", err)
	}

	entry, err := archive.CommitSnapshot("doc-1", []byte(`{"lines":["hello"]}`), "Avery", "Snapshot on pause")
	if err != nil {
		t.Fatalf("CommitSnapshot() error = %v", err)
	}
	if entry.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if entry.Author != "Avery" {
		t.Fatalf("unexpected author %q", entry.Author)
	}

	history, err := archive.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Hash != entry.Hash {
		t.Fatalf("expected newest entry first, got %+v", history[0])
	}

	snapshot, err := archive.SnapshotByHash("doc-1", entry.Hash)
	if err != nil {
		t.Fatalf("SnapshotByHash() error = %v", err)
	}
	if !strings.Contains(string(snapshot), "hello") {
		t.Fatalf("unexpected snapshot %q", string(snapshot))
	}
}

func TestArchiveHistoryLimit(t *testing.T) {
	tempDir := t.TempDir()
	archive := NewArchive(tempDir)

	if err := archive.EnsureRepo("doc-1", "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := archive.CommitSnapshot("doc-1", []byte(fmt.Sprintf(`{"rev":%d}`, i)), "Avery", fmt.Sprintf("Snapshot %d", i)); err != nil {
			t.Fatalf("CommitSnapshot() error = %v", err)
		}
	}

	history, err := archive.History("doc-1", 3)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
}

func TestConcurrentSnapshotsSameDocument(t *testing.T) {
	tempDir := t.TempDir()
	archive := NewArchive(tempDir)

	if err := archive.EnsureRepo("doc-1", "Avery"); err != nil {
		t.Fatalf("EnsureRepo() error = %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if _, err := archive.CommitSnapshot("doc-1", []byte(fmt.Sprintf(`{"rev":%d}`, idx)), "Avery", fmt.Sprintf("Snapshot %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitSnapshot() concurrent error = %v", err)
		}
	}

	history, err := archive.History("doc-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) < writers+1 {
		t.Fatalf("expected at least %d commits, got %d", writers+1, len(history))
	}
}
