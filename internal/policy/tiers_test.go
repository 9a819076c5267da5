package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultTiers(t *testing.T) {
	loaded := DefaultTiers()
	if !strings.HasPrefix(loaded.Hash, "sha256:") {
		t.Fatalf("expected hash prefix, got %s", loaded.Hash)
	}
	if len(loaded.Tiers.SecurityLevels["CONFIDENTIAL"]) != 4 {
		t.Fatalf("expected 4 confidential tiers")
	}
	if len(loaded.Tiers.SecurityLevels["GENERAL"]) != 2 {
		t.Fatalf("expected 2 general tiers")
	}
}

func TestLoadTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.yaml")
	if err := os.WriteFile(path, defaultTiersYAML, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loaded, err := LoadTiers(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Hash != DefaultTiers().Hash {
		t.Fatalf("expected identical hash for identical bytes")
	}
	if _, err := LoadTiers(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestTiersValidate(t *testing.T) {
	bad := strings.Replace(string(defaultTiersYAML), "sequential: [MANAGER, DIRECTOR]", "sequential: [MANAGER, JANITOR]", 1)
	if _, err := parseTiers([]byte(bad)); err == nil {
		t.Fatalf("expected unknown role error")
	}

	missing := strings.Replace(string(defaultTiersYAML), "  TOP_SECRET: [ADMIN, SUPER_ADMIN]\n", "", 1)
	if _, err := parseTiers([]byte(missing)); err == nil {
		t.Fatalf("expected missing security level error")
	}

	if _, err := parseTiers([]byte("sequential: [")); err == nil {
		t.Fatalf("expected yaml error")
	}
}
