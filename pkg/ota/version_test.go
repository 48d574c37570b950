package ota

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileVersionProvider(t *testing.T) {
	tmpDir := t.TempDir()
	versionFile := filepath.Join(tmpDir, "version.json")

	t.Run("NewFileDefaults", func(t *testing.T) {
		provider := NewFileVersionProvider(versionFile)

		if version := provider.GetVersion(); version != DefaultVersion {
			t.Errorf("Expected default version %s, got %s", DefaultVersion, version)
		}
		if prev := provider.Previous(); prev != "" {
			t.Errorf("Expected no previous version, got %s", prev)
		}
	})

	t.Run("SetAndGet", func(t *testing.T) {
		provider := NewFileVersionProvider(versionFile)

		if err := provider.SetVersion("2.0.0"); err != nil {
			t.Fatal(err)
		}
		if version := provider.GetVersion(); version != "2.0.0" {
			t.Errorf("Expected version 2.0.0, got %s", version)
		}
		if prev := provider.Previous(); prev != DefaultVersion {
			t.Errorf("Expected previous version %s, got %s", DefaultVersion, prev)
		}
	})

	t.Run("Persistence", func(t *testing.T) {
		provider := NewFileVersionProvider(versionFile)

		if version := provider.GetVersion(); version != "2.0.0" {
			t.Errorf("Expected persisted version 2.0.0, got %s", version)
		}
	})

	t.Run("PlainText", func(t *testing.T) {
		plainVersionFile := filepath.Join(tmpDir, "version.txt")
		if err := os.WriteFile(plainVersionFile, []byte("1.5.0\n"), 0644); err != nil {
			t.Fatal(err)
		}

		provider := NewFileVersionProvider(plainVersionFile)
		if version := provider.GetVersion(); version != "1.5.0" {
			t.Errorf("Expected version from plain text 1.5.0, got %s", version)
		}

		if err := provider.SetVersion("1.6.0"); err != nil {
			t.Fatal(err)
		}

		data, err := os.ReadFile(plainVersionFile)
		if err != nil {
			t.Fatal(err)
		}
		var info VersionInfo
		if err := json.Unmarshal(data, &info); err != nil {
			t.Fatalf("Expected JSON format after update, got: %s", string(data))
		}
		if info.Version != "1.6.0" || info.Previous != "1.5.0" {
			t.Errorf("Expected version=1.6.0 previous=1.5.0, got version=%s previous=%s",
				info.Version, info.Previous)
		}
	})

	t.Run("FailedWriteKeepsVersion", func(t *testing.T) {
		blocker := filepath.Join(tmpDir, "blocker")
		if err := os.WriteFile(blocker, []byte("not a directory"), 0644); err != nil {
			t.Fatal(err)
		}

		provider := NewFileVersionProvider(filepath.Join(blocker, "version.json"))
		if err := provider.SetVersion("3.0.0"); err == nil {
			t.Fatal("Expected write under a regular file to fail")
		}
		if version := provider.GetVersion(); version != DefaultVersion {
			t.Errorf("Expected version to stay %s after failed write, got %s", DefaultVersion, version)
		}
		if prev := provider.Previous(); prev != "" {
			t.Errorf("Expected no previous version after failed write, got %s", prev)
		}
	})
}
