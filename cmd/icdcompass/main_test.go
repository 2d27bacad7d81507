package main

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"icdcompass/internal"
	"icdcompass/internal/registry"
)

func TestExitCode(t *testing.T) {
	_, err := registry.Parse([]byte("sources:\n  a: {format: docx, path: a.docx}\n"), t.TempDir(), "bad.yml")
	if err == nil {
		t.Fatal("expected configuration error")
	}
	if got := exitCode(err); got != exitConfig {
		t.Fatalf("config error exit=%d", got)
	}
	if got := exitCode(fmt.Errorf("build: %w", err)); got != exitConfig {
		t.Fatalf("wrapped config error exit=%d", got)
	}
	load := &internal.SourceLoadError{SourceID: "S1", Location: "s1.csv", Err: errors.New("missing")}
	if got := exitCode(load); got != exitFailure {
		t.Fatalf("load error exit=%d", got)
	}
}

func TestDescribeSource(t *testing.T) {
	cfg := `
sources:
  S1: {format: csv, path: s1.csv, title: CMS GEMs}
  S2: {format: text, url: 'https://x.test/s2.txt', encoding: latin1, pattern: '^(\S+)\s+(.*)$'}
mappings:
  - {source: S1, from_icd: ICD-9, to_icd: ICD-10, from_column: 0, to_column: 1}
labels:
  - {source: S1, icd: ICD-9, lang: en, code_column: 0, label_column: 2}
`
	reg, err := registry.Parse([]byte(cfg), t.TempDir(), "c.yml")
	if err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := describeSource(&out, reg, "S1"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "format=csv") || !strings.Contains(out.String(), "encoding=utf-8 tables=2") || !strings.Contains(out.String(), "title: CMS GEMs") {
		t.Fatalf("S1=%q", out.String())
	}

	out.Reset()
	if err := describeSource(&out, reg, "S2"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "location=https://x.test/s2.txt encoding=latin1 tables=0") {
		t.Fatalf("S2=%q", out.String())
	}

	if err := describeSource(&out, reg, "S3"); err == nil {
		t.Fatal("expected unknown source error")
	}
}
