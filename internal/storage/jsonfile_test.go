package storage

import (
	"context"
	"testing"
)

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestJSONFileStoreSaveThenLoad(t *testing.T) {
	store, err := NewJSONFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONFileStore failed: %v", err)
	}
	ctx := context.Background()

	if err := store.Save(ctx, "object:home/alice/settings", &doc{Name: "alice", Count: 3}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	var got doc
	ok, err := store.Load(ctx, "object:home/alice/settings", &got)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok {
		t.Fatal("Load should report the document existed")
	}
	if got.Name != "alice" || got.Count != 3 {
		t.Fatalf("got = %+v, want {alice 3}", got)
	}
}

func TestJSONFileStoreLoadMissingKeyReportsFalse(t *testing.T) {
	store, err := NewJSONFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONFileStore failed: %v", err)
	}
	var got doc
	ok, err := store.Load(context.Background(), "synclist:shared/rooms", &got)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok {
		t.Fatal("Load should report false for a key that was never saved")
	}
}

func TestJSONFileStoreDeleteRemovesDocument(t *testing.T) {
	store, err := NewJSONFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONFileStore failed: %v", err)
	}
	ctx := context.Background()
	_ = store.Save(ctx, "k", &doc{Name: "x"})

	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	var got doc
	ok, _ := store.Load(ctx, "k", &got)
	if ok {
		t.Fatal("document should be gone after Delete")
	}
}

func TestJSONFileStoreDeleteMissingKeyIsNotAnError(t *testing.T) {
	store, err := NewJSONFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONFileStore failed: %v", err)
	}
	if err := store.Delete(context.Background(), "never-saved"); err != nil {
		t.Fatalf("Delete of a missing key should be a no-op, got %v", err)
	}
}

func TestJSONFileStoreKeyWithSlashesIsSafeAsFilename(t *testing.T) {
	store, err := NewJSONFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONFileStore failed: %v", err)
	}
	ctx := context.Background()
	key := "object:home/alice/settings"
	if err := store.Save(ctx, key, &doc{Name: "n"}); err != nil {
		t.Fatalf("Save with a slash-bearing key failed: %v", err)
	}
	var got doc
	ok, err := store.Load(ctx, key, &got)
	if err != nil || !ok {
		t.Fatalf("round trip of a slash-bearing key failed: ok=%v err=%v", ok, err)
	}
}
