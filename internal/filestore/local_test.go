package filestore

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"arcane/internal/models"
)

func TestLocal(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	hash, err := store.Save(strings.NewReader("hello blobs"))
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(hash) != 64 {
		t.Fatalf("expected sha256 hex hash, got %q", hash)
	}

	// Same content yields the same hash
	again, err := store.Save(strings.NewReader("hello blobs"))
	if err != nil {
		t.Fatal(err)
	}
	if again != hash {
		t.Errorf("hash not stable: %s vs %s", hash, again)
	}

	r, err := store.Open(hash)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("hello blobs")) {
		t.Errorf("unexpected content: %q", data)
	}

	if _, err := store.Open("deadbeef"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown hash, got %v", err)
	}
}
