package runstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStoreSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "runs.json"))
	ctx := context.Background()

	run := Run{
		SourceHostname: "src.example.com",
		State:          "Migrate",
		ProfileJSON:    `{"cpe":"cpe:/o:centos:centos:7"}`,
		StartedAt:      time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2026, 7, 30, 12, 5, 0, 0, time.UTC),
	}
	if err := store.Save(ctx, run); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load(ctx, "src.example.com")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a loaded run, got nil")
	}
	if loaded.State != "Migrate" {
		t.Fatalf("expected state Migrate, got %q", loaded.State)
	}
}

func TestFileStoreLoadMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "runs.json"))

	run, err := store.Load(context.Background(), "nonexistent.example.com")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run != nil {
		t.Fatalf("expected nil for untracked host, got %+v", run)
	}
}

func TestFileStoreSaveUpdatesExistingRun(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "runs.json"))
	ctx := context.Background()

	base := Run{SourceHostname: "src.example.com", State: "Profile", StartedAt: time.Now().UTC()}
	if err := store.Save(ctx, base); err != nil {
		t.Fatalf("Save: %v", err)
	}

	base.State = "Cleanup"
	if err := store.Save(ctx, base); err != nil {
		t.Fatalf("Save (update): %v", err)
	}

	loaded, err := store.Load(ctx, "src.example.com")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.State != "Cleanup" {
		t.Fatalf("expected updated state Cleanup, got %q", loaded.State)
	}
}

func TestFileStoreTracksMultipleHosts(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "runs.json"))
	ctx := context.Background()

	store.Save(ctx, Run{SourceHostname: "a.example.com", State: "Migrate"})
	store.Save(ctx, Run{SourceHostname: "b.example.com", State: "Cleanup"})

	a, _ := store.Load(ctx, "a.example.com")
	b, _ := store.Load(ctx, "b.example.com")
	if a == nil || a.State != "Migrate" {
		t.Fatalf("expected a.example.com to remain Migrate, got %+v", a)
	}
	if b == nil || b.State != "Cleanup" {
		t.Fatalf("expected b.example.com to remain Cleanup, got %+v", b)
	}
}
