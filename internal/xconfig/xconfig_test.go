package xconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewFallsBackToDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	w, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	got := w.Current()
	if got != (Config{Layout: "qwerty", Theme: "Default"}) {
		t.Fatalf("Current() = %+v, want defaults", got)
	}
}

func TestNewReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("layout = \"dvorak\"\ntheme = \"Solarized\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	got := w.Current()
	if got != (Config{Layout: "dvorak", Theme: "Solarized"}) {
		t.Fatalf("Current() = %+v, want dvorak/Solarized", got)
	}
}

func TestWatcherBroadcastsOnEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("layout = \"qwerty\"\ntheme = \"Default\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	_, ch := w.Subscribe()

	if err := os.WriteFile(path, []byte("layout = \"colemak\"\ntheme = \"Default\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Layout != "colemak" {
			t.Fatalf("cfg.Layout = %q, want colemak", cfg.Layout)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload notification")
	}
}
