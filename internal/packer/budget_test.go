package packer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestBucketFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		words int
		want  Bucket
	}{
		{0, BucketShort},
		{199, BucketShort},
		{200, BucketMedium},
		{999, BucketMedium},
		{1000, BucketLong},
	}
	for _, tt := range tests {
		if got := BucketFor(words(tt.words)); got != tt.want {
			t.Errorf("BucketFor(%d words) = %d, want %d", tt.words, got, tt.want)
		}
	}
}

func TestMaxTokens(t *testing.T) {
	t.Parallel()

	b := DefaultBudget()
	tests := []struct {
		name    string
		purpose Purpose
		text    string
		want    int
	}{
		{"classification short", PurposeClassification, "hi", 256},
		{"classification long", PurposeClassification, words(1500), 256 + 256},
		{"query medium", PurposeQueryGeneration, words(300), 1024 + 512},
		{"analysis long", PurposeAnalysis, words(2000), 1536 + 1024},
		{"metadata medium", PurposeMetadata, words(300), 1024 + 256},
		{"unknown purpose", Purpose("other"), "", 512},
	}
	for _, tt := range tests {
		if got := b.MaxTokens(tt.purpose, tt.text); got != tt.want {
			t.Errorf("%s: MaxTokens = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestMaxTokensCeiling(t *testing.T) {
	t.Parallel()

	b := DefaultBudget()
	b.Ceiling = 2000
	if got := b.MaxTokens(PurposeAnalysis, words(2000)); got != 2000 {
		t.Fatalf("MaxTokens = %d, want ceiling 2000", got)
	}
}

func TestLoadBudgetOverlay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "budget.yaml")
	content := "ceiling: 3000\nprofiles:\n  guide:\n    base: 700\n    sensitivity: 0.1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := LoadBudget(path)
	if err != nil {
		t.Fatalf("LoadBudget: %v", err)
	}
	if b.Ceiling != 3000 {
		t.Errorf("ceiling = %d", b.Ceiling)
	}
	if got := b.Profiles[PurposeGuide]; got.Base != 700 || got.Sensitivity != 0.1 {
		t.Errorf("guide profile = %+v", got)
	}
	if got := b.Profiles[PurposeAnalysis]; got.Base != 1536 {
		t.Errorf("analysis profile should keep default, got %+v", got)
	}
}

func TestLoadBudgetRejectsInvalidProfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "budget.yaml")
	if err := os.WriteFile(path, []byte("profiles:\n  guide:\n    base: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadBudget(path); err == nil {
		t.Fatal("expected error for zero base")
	}
	if _, err := LoadBudget(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
