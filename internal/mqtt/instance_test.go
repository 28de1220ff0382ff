package mqtt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("generated ID %q is not a UUID: %v", id, err)
	}

	// Second call returns the persisted ID.
	again, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if again != id {
		t.Errorf("instance ID changed across calls: %q vs %q", id, again)
	}
}

func TestLoadOrCreateInstanceIDIgnoresEmptyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("  \n"), 0644); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID: %v", err)
	}
	if id == "" {
		t.Error("empty file should be replaced with a fresh ID")
	}
}
