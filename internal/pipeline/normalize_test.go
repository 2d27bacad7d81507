package pipeline

import (
	"errors"
	"regexp"
	"testing"

	"icdcompass/internal"
	"icdcompass/internal/registry"
)

func mustRegistry(t *testing.T, cfg string) *registry.Registry {
	t.Helper()
	reg, err := registry.Parse([]byte(cfg), t.TempDir(), "test.yml")
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

const revisionsConfig = `
revisions:
  ICD-9:
    punctuation: strip
  ICD-10:
    punctuation: insert
    dot_after: 3
    aliases: ["German modification"]
`

func TestResolveRevision(t *testing.T) {
	reg := mustRegistry(t, revisionsConfig)

	cases := []struct {
		in         string
		tag        string
		recognized bool
	}{
		{"ICD9", "ICD-9", true},
		{"icd-9-cm", "ICD-9", true},
		{"ICD 9", "ICD-9", true},
		{"ICD-10", "ICD-10", true},
		{"german modification", "ICD-10", true},
		{"ICPC-2", "ICPC-2", false},
	}
	for _, tc := range cases {
		rev := ResolveRevision(reg, tc.in)
		if rev.Tag != tc.tag || rev.Recognized != tc.recognized {
			t.Fatalf("%q -> %+v", tc.in, rev)
		}
	}
	if ResolveRevision(reg, "icd9").Rule.Punctuation != internal.PunctuationStrip {
		t.Fatal("rule not attached")
	}
}

func TestNormalizeMapping(t *testing.T) {
	reg := mustRegistry(t, revisionsConfig)
	table := internal.MappingTable{
		Source:     "S1",
		FromColumn: internal.ColumnName("icd9"),
		ToColumn:   internal.ColumnIndex(1),
		Attributes: []internal.Column{internal.ColumnName("flags"), internal.ColumnIndex(3)},
	}
	row := internal.RawRow{
		SourceID: "S1",
		Line:     2,
		Cells:    []string{" 410.0 ", "i 219", "00000", ""},
		Columns:  []string{"icd9", "icd10", "flags", "note"},
	}

	rec, ok, err := NormalizeMapping(table, ResolveRevision(reg, "ICD9"), ResolveRevision(reg, "ICD10"), row)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	want := internal.MappingRecord{FromICD: "ICD-9", FromCode: "4100", ToICD: "ICD-10", ToCode: "I21.9", Source: "S1"}
	if rec.FromICD != want.FromICD || rec.FromCode != want.FromCode || rec.ToICD != want.ToICD || rec.ToCode != want.ToCode || rec.Source != want.Source {
		t.Fatalf("rec=%+v", rec)
	}
	if len(rec.Attributes) != 1 || rec.Attributes["flags"] != "00000" {
		t.Fatalf("attributes=%v", rec.Attributes)
	}
}

func TestNormalizeMappingKeepsDotsByDefault(t *testing.T) {
	reg := mustRegistry(t, "")
	table := internal.MappingTable{Source: "S1", FromColumn: internal.ColumnIndex(0), ToColumn: internal.ColumnIndex(1)}
	row := internal.RawRow{SourceID: "S1", Line: 1, Cells: []string{"410.0", "I21.9"}}
	rec, _, err := NormalizeMapping(table, ResolveRevision(reg, "ICD-9"), ResolveRevision(reg, "ICD-10"), row)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FromCode != "410.0" || rec.ToCode != "I21.9" {
		t.Fatalf("rec=%+v", rec)
	}
}

func TestNormalizeMappingFilterAndReplacements(t *testing.T) {
	reg := mustRegistry(t, "")
	table := internal.MappingTable{
		Source:     "S1",
		FromColumn: internal.ColumnIndex(0),
		ToColumn:   internal.ColumnIndex(1),
		Filter:     regexp.MustCompile(`^\d`),
		Replacements: []internal.Replacement{
			{Pattern: regexp.MustCompile(`^(\d{3})(\d)$`), Replace: "${1}.${2}"},
		},
	}
	from, to := ResolveRevision(reg, "ICD-9"), ResolveRevision(reg, "ICD-10")

	rec, ok, err := NormalizeMapping(table, from, to, internal.RawRow{Cells: []string{"4100", "I219"}})
	if err != nil || !ok || rec.FromCode != "410.0" {
		t.Fatalf("rec=%+v ok=%v err=%v", rec, ok, err)
	}

	_, ok, err = NormalizeMapping(table, from, to, internal.RawRow{Cells: []string{"V123", "Z00"}})
	if err != nil || ok {
		t.Fatalf("filtered row: ok=%v err=%v", ok, err)
	}
}

func TestNormalizeMappingErrors(t *testing.T) {
	reg := mustRegistry(t, "")
	table := internal.MappingTable{Source: "S1", FromColumn: internal.ColumnIndex(0), ToColumn: internal.ColumnName("to")}
	from, to := ResolveRevision(reg, "ICD-9"), ResolveRevision(reg, "ICD-10")

	rows := []internal.RawRow{
		{SourceID: "S1", Line: 3, Cells: []string{"410.0", "I21.9"}, Columns: []string{"from", "target"}},
		{SourceID: "S1", Line: 4, Cells: []string{"  ", "I21.9"}, Columns: []string{"from", "to"}},
		{SourceID: "S1", Line: 5, Cells: []string{"410.0", ""}, Columns: []string{"from", "to"}},
	}
	for _, row := range rows {
		_, ok, err := NormalizeMapping(table, from, to, row)
		var ne *internal.NormalizationError
		if !errors.As(err, &ne) || !ok {
			t.Fatalf("line %d: ok=%v err=%v", row.Line, ok, err)
		}
		if ne.Line != row.Line || ne.SourceID != "S1" {
			t.Fatalf("error=%+v", ne)
		}
	}
}

func TestNormalizeLabel(t *testing.T) {
	reg := mustRegistry(t, "")
	rev := ResolveRevision(reg, "ICD-10")
	lang := internal.ColumnIndex(2)
	table := internal.LabelTable{Source: "who", CodeColumn: internal.ColumnIndex(0), LabelColumn: internal.ColumnIndex(1), LangColumn: &lang}

	rec, ok, err := NormalizeLabel(table, rev, "en", internal.RawRow{Cells: []string{"i21.9", "Infarctus  aigu du myocarde", "fr"}})
	if err != nil || !ok {
		t.Fatal(err)
	}
	if rec.Code != "I21.9" || rec.Language != "fr" || rec.Text != "Infarctus aigu du myocarde" || rec.ICD != "ICD-10" {
		t.Fatalf("rec=%+v", rec)
	}

	rec, _, err = NormalizeLabel(table, rev, "en", internal.RawRow{Cells: []string{"I22", "Subsequent MI"}})
	if err != nil || rec.Language != "en" {
		t.Fatalf("source language fallback: rec=%+v err=%v", rec, err)
	}

	table.Lang = "de"
	rec, _, _ = NormalizeLabel(table, rev, "en", internal.RawRow{Cells: []string{"I22", "Rezidivierender Infarkt", ""}})
	if rec.Language != "de" {
		t.Fatalf("table language fallback: %+v", rec)
	}
}

func TestNormalizeLabelErrors(t *testing.T) {
	reg := mustRegistry(t, "")
	rev := ResolveRevision(reg, "ICD-10")
	table := internal.LabelTable{Source: "who", CodeColumn: internal.ColumnIndex(0), LabelColumn: internal.ColumnIndex(1)}

	cases := []internal.RawRow{
		{Cells: []string{"I21", "Acute MI"}},
		{Cells: []string{"I21", "   "}},
		{Cells: []string{"", "Acute MI"}},
	}
	for i, row := range cases {
		lang := ""
		if i > 0 {
			lang = "en"
		}
		_, _, err := NormalizeLabel(table, rev, lang, row)
		var ne *internal.NormalizationError
		if !errors.As(err, &ne) {
			t.Fatalf("case %d: err=%v", i, err)
		}
	}
}

func TestTableFilterMatchesFromCodeStart(t *testing.T) {
	reg := mustRegistry(t, `
sources:
  S1: {format: csv, path: s1.csv}
labels:
  - {source: S1, icd: ICD-10, lang: en, code_column: 0, label_column: 1, filter: '\d'}
  - {source: S1, icd: ICD-10, lang: en, code_column: 0, label_column: 1, filter: 'I219'}
`)
	rev := ResolveRevision(reg, "ICD-10")

	cases := []struct {
		table int
		code  string
		keep  bool
	}{
		{0, "I21", false},
		{0, "410.0", true},
		{1, "I21.9", true},
		{1, "I21,9", true},
		{1, "XI219", false},
	}
	for _, tc := range cases {
		row := internal.RawRow{SourceID: "S1", Line: 1, Cells: []string{tc.code, "label"}}
		_, keep, err := NormalizeLabel(reg.Labels[tc.table], rev, "", row)
		if err != nil {
			t.Fatalf("table %d %q: %v", tc.table, tc.code, err)
		}
		if keep != tc.keep {
			t.Fatalf("table %d %q: keep=%v want %v", tc.table, tc.code, keep, tc.keep)
		}
	}
}
