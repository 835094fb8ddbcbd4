package asm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPreprocessStandardModule(t *testing.T) {
	p, err := NewPreprocessor()
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}

	got, err := p.Preprocess([]string{
		"#import std/malloc",
		"nop",
	}, "")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}

	if len(got) == 0 {
		t.Fatalf("expected non-empty expansion")
	}
	if got[0] != "nop" {
		t.Fatalf("expected importing module's own line first, got %q", got[0])
	}

	found := false
	for _, line := range got {
		if line == "malloc:" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected std/malloc's malloc: label in expansion, got %v", got)
	}
	if len(p.Duplicates) != 0 {
		t.Fatalf("expected no duplicates for a single import, got %v", p.Duplicates)
	}
}

func TestPreprocessDedupesRepeatedImport(t *testing.T) {
	p, err := NewPreprocessor()
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}

	got, err := p.Preprocess([]string{
		"#import std/malloc",
		"#import std/malloc",
		"nop",
	}, "")
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}

	count := 0
	for _, line := range got {
		if line == "malloc:" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected std/malloc expanded exactly once, got %d times", count)
	}

	want := []string{"std/malloc"}
	if diff := cmp.Diff(want, p.Duplicates); diff != "" {
		t.Fatalf("Duplicates mismatch (-want +got):\n%s", diff)
	}
}

func TestPreprocessFilesystemModule(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "helper.srd"), []byte("nop\nnop\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := NewPreprocessor()
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}

	got, err := p.Preprocess([]string{
		"push 0x01",
		"#import helper.srd",
	}, dir)
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}

	want := []string{"push 0x01", "nop", "nop"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("expansion mismatch (-want +got):\n%s", diff)
	}
}

func TestPreprocessMissingFileIsIoError(t *testing.T) {
	p, err := NewPreprocessor()
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}

	_, err = p.Preprocess([]string{"#import does_not_exist.srd"}, t.TempDir())
	if err == nil {
		t.Fatalf("expected an error for a missing module")
	}
}

func TestPreprocessMissingModuleNameIsParseError(t *testing.T) {
	p, err := NewPreprocessor()
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}

	_, err = p.Preprocess([]string{"#import"}, "")
	if err == nil {
		t.Fatalf("expected a ParseError for a missing module name")
	}
}

func TestPreprocessOrderingImportsAfterOwnLines(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.srd"), []byte("nop\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := NewPreprocessor()
	if err != nil {
		t.Fatalf("NewPreprocessor: %v", err)
	}

	got, err := p.Preprocess([]string{
		"#import a.srd",
		"itrpt",
	}, dir)
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}

	want := []string{"itrpt", "nop"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ordering mismatch (-want +got):\n%s", diff)
	}
}
