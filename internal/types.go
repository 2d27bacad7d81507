package internal

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatCSV   Format = "csv"
	FormatTSV   Format = "tsv"
	FormatXLSX  Format = "xlsx"
	FormatFixed Format = "fixed"
	FormatHTML  Format = "html"
	FormatPDF   Format = "pdf"
	FormatText  Format = "text"
)

func (f Format) Valid() bool {
	switch f {
	case FormatCSV, FormatTSV, FormatXLSX, FormatFixed, FormatHTML, FormatPDF, FormatText:
		return true
	default:
		return false
	}
}

type Punctuation string

const (
	PunctuationKeep   Punctuation = "keep"
	PunctuationStrip  Punctuation = "strip"
	PunctuationInsert Punctuation = "insert"
)

// SourceDescriptor is one registered input file. Fields below Notes are
// load-only and never exported.
type SourceDescriptor struct {
	ID          string
	Title       string
	Publisher   string
	Reference   string
	DOI         string
	Version     string
	RetrievedAt string
	License     string
	Language    string
	Notes       string

	Format    Format
	Path      string
	URL       string
	Encoding  string
	Delimiter string
	Sheet     string
	Table     int
	Widths    []int
	Pattern   *regexp.Regexp
	Header    []string
}

func (s SourceDescriptor) Location() string {
	if s.URL != "" {
		return s.URL
	}
	return s.Path
}

func (s SourceDescriptor) IsRemote() bool {
	return s.URL != ""
}

// PublicSource is the exported shape of a SourceDescriptor.
type PublicSource struct {
	Title       string `json:"title"`
	Publisher   string `json:"publisher"`
	Reference   string `json:"reference,omitempty"`
	DOI         string `json:"doi,omitempty"`
	Version     string `json:"version,omitempty"`
	RetrievedAt string `json:"retrieved_at,omitempty"`
	License     string `json:"license"`
	Language    string `json:"language,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

func (s SourceDescriptor) Public() PublicSource {
	return PublicSource{
		Title:       s.Title,
		Publisher:   s.Publisher,
		Reference:   s.Reference,
		DOI:         s.DOI,
		Version:     s.Version,
		RetrievedAt: s.RetrievedAt,
		License:     s.License,
		Language:    s.Language,
		Notes:       s.Notes,
	}
}

// Column selects a cell either by 0-based index or by header name.
type Column struct {
	Index  int
	Name   string
	ByName bool
}

func ColumnIndex(i int) Column { return Column{Index: i} }

func ColumnName(n string) Column { return Column{Name: n, ByName: true} }

func (c Column) String() string {
	if c.ByName {
		return strconv.Quote(c.Name)
	}
	return strconv.Itoa(c.Index)
}

func (c *Column) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: column selector must be a name or an index", value.Line)
	}
	if value.ShortTag() == "!!int" {
		i, err := strconv.Atoi(value.Value)
		if err != nil || i < 0 {
			return fmt.Errorf("line %d: invalid column index %q", value.Line, value.Value)
		}
		*c = ColumnIndex(i)
		return nil
	}
	name := strings.TrimSpace(value.Value)
	if name == "" {
		return fmt.Errorf("line %d: empty column name", value.Line)
	}
	*c = ColumnName(name)
	return nil
}

type Replacement struct {
	Pattern *regexp.Regexp
	Replace string
}

type MappingTable struct {
	Source       string
	FromICD      string
	ToICD        string
	FromColumn   Column
	ToColumn     Column
	Attributes   []Column
	Filter       *regexp.Regexp
	Replacements []Replacement
}

type LabelTable struct {
	Source       string
	ICD          string
	Lang         string
	CodeColumn   Column
	LabelColumn  Column
	LangColumn   *Column
	Filter       *regexp.Regexp
	Replacements []Replacement
}

type RevisionRule struct {
	Tag         string
	Aliases     []string
	Punctuation Punctuation
	DotAfter    int
}

// RawRow is one tokenized row of a source file.
type RawRow struct {
	SourceID string
	Line     int
	Cells    []string
	Columns  []string
}

func (r RawRow) Raw() string {
	return strings.Join(r.Cells, " | ")
}

type MappingRecord struct {
	FromICD    string            `json:"from_icd"`
	FromCode   string            `json:"from_code"`
	ToICD      string            `json:"to_icd"`
	ToCode     string            `json:"to_code"`
	Source     string            `json:"source"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (m MappingRecord) Key() MappingKey {
	return MappingKey{FromICD: m.FromICD, FromCode: m.FromCode, ToICD: m.ToICD, ToCode: m.ToCode, Source: m.Source}
}

type MappingKey struct {
	FromICD  string
	FromCode string
	ToICD    string
	ToCode   string
	Source   string
}

type LabelRecord struct {
	ICD      string
	Code     string
	Language string
	Text     string
	Source   string
}

type LabelKey struct {
	ICD      string
	Code     string
	Language string
}

func (l LabelRecord) Key() LabelKey {
	return LabelKey{ICD: l.ICD, Code: l.Code, Language: l.Language}
}

type MappingsDataset struct {
	Sources  map[string]PublicSource `json:"sources"`
	Mappings []MappingRecord         `json:"mappings"`
}

// LabelTree is icd -> code -> language -> text.
type LabelTree map[string]map[string]map[string]string

type LabelsDataset struct {
	Labels LabelTree `json:"labels"`
}

func (t LabelTree) Set(icd, code, lang, text string) {
	byCode, ok := t[icd]
	if !ok {
		byCode = map[string]map[string]string{}
		t[icd] = byCode
	}
	byLang, ok := byCode[code]
	if !ok {
		byLang = map[string]string{}
		byCode[code] = byLang
	}
	byLang[lang] = text
}

func (t LabelTree) Get(icd, code, lang string) (string, bool) {
	text, ok := t[icd][code][lang]
	return text, ok
}

func (t LabelTree) Count() int {
	n := 0
	for _, byCode := range t {
		for _, byLang := range byCode {
			n += len(byLang)
		}
	}
	return n
}
