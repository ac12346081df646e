package rlm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindProfile(t *testing.T) {
	dir := t.TempDir()
	body := "provider: openai\nmodel: big\nsub_model: small\nmax_iterations: 8\ntools: [echo]\n"
	if err := os.WriteFile(filepath.Join(dir, "research.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := FindProfile(dir, "research")
	if err != nil {
		t.Fatalf("FindProfile: %v", err)
	}
	if p.Name != "research" || p.Model != "big" || p.SubModel != "small" || p.MaxIter != 8 {
		t.Errorf("profile = %+v", p)
	}
	if len(p.Tools) != 1 || p.Tools[0] != "echo" {
		t.Errorf("Tools = %v", p.Tools)
	}

	if _, err := FindProfile(dir, "absent"); err == nil {
		t.Error("expected error for missing profile")
	}
}

func TestLoadProfileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("name: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Error("expected parse error")
	}
}
