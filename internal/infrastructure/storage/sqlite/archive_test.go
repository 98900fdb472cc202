package sqlite

import (
	"context"
	"os"
	"testing"
)

func TestArchiveInsertAndList(t *testing.T) {
	dbPath := "test_archive.db"
	defer os.Remove(dbPath)

	a, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.InsertResult(ctx, "tok-1", "cond-1", 1000, `{"sizeP99":42}`); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}
	if err := a.InsertResult(ctx, "tok-1", "cond-1", 2000, `{"sizeP99":43}`); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}
	if err := a.InsertResult(ctx, "tok-2", "cond-2", 1500, `{"sizeP99":7}`); err != nil {
		t.Fatalf("InsertResult failed: %v", err)
	}

	got, err := a.ListRecent(ctx, "tok-1", 10)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results for tok-1, got %d", len(got))
	}
	if got[0] != `{"sizeP99":43}` {
		t.Errorf("expected newest result first, got %q", got[0])
	}
}

func TestArchiveListLimit(t *testing.T) {
	dbPath := "test_archive_limit.db"
	defer os.Remove(dbPath)

	a, err := New(dbPath)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		if err := a.InsertResult(ctx, "tok-1", "cond-1", i*1000, "{}"); err != nil {
			t.Fatalf("InsertResult failed: %v", err)
		}
	}

	got, err := a.ListRecent(ctx, "tok-1", 3)
	if err != nil {
		t.Fatalf("ListRecent failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected limit of 3 results, got %d", len(got))
	}
}
