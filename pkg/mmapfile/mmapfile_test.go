package mmapfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesFilledFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.bin")

	m, err := Open(path, 128, 0xFF)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()

	if m.Size() != 128 {
		t.Errorf("Size = %d, want 128", m.Size())
	}
	for i, b := range m.Data() {
		if b != 0xFF {
			t.Fatalf("byte %d = %#x, want 0xff", i, b)
		}
	}
}

func TestWritesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "region.bin")

	m, err := Open(path, 64, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	copy(m.Data()[10:], "retained")
	if err := m.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	m, err = Open(path, 64, 0)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer m.Close()

	if got := string(m.Data()[10:18]); got != "retained" {
		t.Errorf("data = %q, want %q", got, "retained")
	}
}

func TestOpenExtendsShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	if err := os.WriteFile(path, []byte{1, 2, 3}, 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Open(path, 8, 0xAA)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()

	want := []byte{1, 2, 3, 0xAA, 0xAA, 0xAA, 0xAA, 0xAA}
	for i, b := range m.Data() {
		if b != want[i] {
			t.Errorf("byte %d = %#x, want %#x", i, b, want[i])
		}
	}
}

func TestOpenRejectsSecondWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.bin")

	m, err := Open(path, 16, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer m.Close()

	if _, err := Open(path, 16, 0); !errors.Is(err, ErrLocked) {
		t.Errorf("second Open = %v, want ErrLocked", err)
	}
}

func TestOpenInvalidSize(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "x"), 0, 0); err == nil {
		t.Error("Open with size 0 succeeded, want error")
	}
}

func TestCloseTwice(t *testing.T) {
	m, err := Open(filepath.Join(t.TempDir(), "c.bin"), 16, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
