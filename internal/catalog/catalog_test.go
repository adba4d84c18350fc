package catalog

import "testing"

// TestFlavorForMemoryBound is seed scenario S1: memory-bound pick.
func TestFlavorForMemoryBound(t *testing.T) {
	choice, err := V2.FlavorFor(5000, 50, false)
	if err != nil {
		t.Fatalf("FlavorFor: %v", err)
	}
	if choice.Spec.ID != "6" {
		t.Fatalf("expected flavor id 6, got %s", choice.Spec.ID)
	}
	if choice.Spec.MemoryMiB != 8192 || choice.Spec.DiskGB != 320 {
		t.Fatalf("unexpected spec %+v", choice.Spec)
	}
	if choice.Reason != "RAM usage" {
		t.Fatalf("expected reason %q, got %q", "RAM usage", choice.Reason)
	}
}

// TestFlavorForDiskBound is seed scenario S2: disk-bound pick.
func TestFlavorForDiskBound(t *testing.T) {
	choice, err := V2.FlavorFor(500, 100, false)
	if err != nil {
		t.Fatalf("FlavorFor: %v", err)
	}
	if choice.Spec.ID != "5" {
		t.Fatalf("expected flavor id 5, got %s", choice.Spec.ID)
	}
	if choice.Spec.MemoryMiB != 4096 || choice.Spec.DiskGB != 160 {
		t.Fatalf("unexpected spec %+v", choice.Spec)
	}
	if choice.Reason != "Disk usage" {
		t.Fatalf("expected reason %q, got %q", "Disk usage", choice.Reason)
	}
}

func TestFlavorForNoFlavor(t *testing.T) {
	if _, err := V2.FlavorFor(1<<20, 1<<20, false); err == nil {
		t.Fatal("expected NoFlavor error for an impossible demand")
	}
}

func TestFlavorForSwappingBumpsMemoryIndex(t *testing.T) {
	without, err := V2.FlavorFor(900, 10, false)
	if err != nil {
		t.Fatalf("FlavorFor without swapping: %v", err)
	}
	with, err := V2.FlavorFor(900, 10, true)
	if err != nil {
		t.Fatalf("FlavorFor with swapping: %v", err)
	}
	if with.Spec.MemoryMiB <= without.Spec.MemoryMiB {
		t.Fatalf("expected swapping pick to be larger than non-swapping pick, got %d vs %d", with.Spec.MemoryMiB, without.Spec.MemoryMiB)
	}
}

// TestImageForFallback is seed scenario S3: wildcard fallback within vendor.
func TestImageForFallback(t *testing.T) {
	id, ok := V2.ImageFor(PlatformKeyFromCPE("amazon", ""), false)
	if !ok {
		t.Fatal("expected amazon/* to resolve in V2 unmanaged map")
	}
	if id != "a3a2c42f-575f-4381-9c6d-fcd3b7d07d17" {
		t.Fatalf("unexpected image id %s", id)
	}
}

func TestImageForExactBeatsWildcard(t *testing.T) {
	id, ok := V2.ImageFor(PlatformKeyFromCPE("ubuntu", "20.04"), true)
	if !ok {
		t.Fatal("expected ubuntu/20.04 managed image to resolve")
	}
	wildcard, _ := V2.ImageFor(PlatformKeyFromCPE("ubuntu", "*"), true)
	if id == wildcard {
		t.Fatal("expected exact version match to differ from wildcard fallback")
	}
}

func TestImageForUnknownVendor(t *testing.T) {
	if _, ok := V2.ImageFor(PlatformKeyFromCPE("plan9", "1"), false); ok {
		t.Fatal("expected unknown vendor to yield no image")
	}
}
