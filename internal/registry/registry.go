// Package registry loads and validates the YAML source listing that drives a
// build. Validation is eager: every structural problem is reported as a
// ConfigurationError before any source file is touched.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"gopkg.in/yaml.v3"

	"icdcompass/internal"
	"icdcompass/internal/util"
)

const unknown = "Unknown"

type Registry struct {
	Path            string
	Strict          bool
	LabelPrecedence []string

	// Sources keeps document order; it is the default label precedence.
	Sources   []internal.SourceDescriptor
	Mappings  []internal.MappingTable
	Labels    []internal.LabelTable
	Revisions map[string]internal.RevisionRule
	Aliases   map[string]string

	byID map[string]int
}

type rawConfig struct {
	Strict          bool                   `yaml:"strict"`
	LabelPrecedence []string               `yaml:"label_precedence"`
	Revisions       map[string]rawRevision `yaml:"revisions"`
	Sources         yaml.Node              `yaml:"sources"`
	Mappings        []rawMapping           `yaml:"mappings"`
	Labels          []rawLabel             `yaml:"labels"`
}

type rawRevision struct {
	Aliases     []string `yaml:"aliases"`
	Punctuation string   `yaml:"punctuation"`
	DotAfter    int      `yaml:"dot_after"`
}

type rawSource struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Publisher   string    `yaml:"publisher"`
	Reference   string    `yaml:"reference"`
	DOI         string    `yaml:"doi"`
	Version     string    `yaml:"version"`
	RetrievedAt string    `yaml:"retrieved_at"`
	License     string    `yaml:"license"`
	Language    string    `yaml:"language"`
	Notes       string    `yaml:"notes"`
	Format      string    `yaml:"format"`
	Path        string    `yaml:"path"`
	URL         string    `yaml:"url"`
	Encoding    string    `yaml:"encoding"`
	Delimiter   string    `yaml:"delimiter"`
	Sheet       yaml.Node `yaml:"sheet"`
	Table       int       `yaml:"table"`
	Widths      []int     `yaml:"widths"`
	Pattern     string    `yaml:"pattern"`
	Header      []string  `yaml:"header"`
}

type rawReplacement struct {
	Pattern string `yaml:"pattern"`
	Replace string `yaml:"replace"`
}

type rawMapping struct {
	Source       string            `yaml:"source"`
	FromICD      string            `yaml:"from_icd"`
	ToICD        string            `yaml:"to_icd"`
	FromColumn   *internal.Column  `yaml:"from_column"`
	ToColumn     *internal.Column  `yaml:"to_column"`
	Attributes   []internal.Column `yaml:"attributes"`
	Filter       string            `yaml:"filter"`
	Replacements []rawReplacement  `yaml:"replacements"`
}

type rawLabel struct {
	Source       string           `yaml:"source"`
	ICD          string           `yaml:"icd"`
	Lang         string           `yaml:"lang"`
	CodeColumn   *internal.Column `yaml:"code_column"`
	LabelColumn  *internal.Column `yaml:"label_column"`
	LangColumn   *internal.Column `yaml:"lang_column"`
	Filter       string           `yaml:"filter"`
	Replacements []rawReplacement `yaml:"replacements"`
}

// Load reads and validates the YAML registry at path. Relative source paths
// resolve against the directory holding the file.
func Load(path string) (*Registry, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, &internal.ConfigurationError{Msg: "read " + path, Err: err}
	}
	return Parse(blob, filepath.Dir(path), path)
}

func Parse(blob []byte, baseDir, name string) (*Registry, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(blob, &raw); err != nil {
		return nil, &internal.ConfigurationError{Msg: "parse " + name, Err: err}
	}

	reg := &Registry{
		Path:      name,
		Strict:    raw.Strict,
		Revisions: map[string]internal.RevisionRule{},
		Aliases:   map[string]string{},
		byID:      map[string]int{},
	}

	if err := reg.loadRevisions(raw.Revisions); err != nil {
		return nil, err
	}

	rawSources, err := sourceEntries(&raw.Sources)
	if err != nil {
		return nil, err
	}
	for _, rs := range rawSources {
		src, err := buildSource(rs, baseDir)
		if err != nil {
			return nil, err
		}
		if _, dup := reg.byID[src.ID]; dup {
			return nil, configErr("duplicate source id %q", src.ID)
		}
		reg.byID[src.ID] = len(reg.Sources)
		reg.Sources = append(reg.Sources, src)
	}

	for i, rm := range raw.Mappings {
		table, err := reg.buildMapping(i, rm)
		if err != nil {
			return nil, err
		}
		reg.Mappings = append(reg.Mappings, table)
	}
	for i, rl := range raw.Labels {
		table, err := reg.buildLabel(i, rl)
		if err != nil {
			return nil, err
		}
		reg.Labels = append(reg.Labels, table)
	}

	seen := map[string]struct{}{}
	for _, id := range raw.LabelPrecedence {
		id = strings.TrimSpace(id)
		if _, ok := reg.byID[id]; !ok {
			return nil, configErr("label_precedence: unknown source %q", id)
		}
		if _, dup := seen[id]; dup {
			return nil, configErr("label_precedence: source %q listed twice", id)
		}
		seen[id] = struct{}{}
		reg.LabelPrecedence = append(reg.LabelPrecedence, id)
	}

	return reg, nil
}

func (r *Registry) Source(id string) (internal.SourceDescriptor, bool) {
	i, ok := r.byID[id]
	if !ok {
		return internal.SourceDescriptor{}, false
	}
	return r.Sources[i], true
}

// Public returns the registry as exported in the mappings artifact.
func (r *Registry) Public() map[string]internal.PublicSource {
	out := make(map[string]internal.PublicSource, len(r.Sources))
	for _, s := range r.Sources {
		out[s.ID] = s.Public()
	}
	return out
}

// LabelRank orders sources for label conflicts: label_precedence entries
// first, in list order, then every other source in registration order.
// Lower rank wins.
func (r *Registry) LabelRank() map[string]int {
	rank := make(map[string]int, len(r.Sources))
	for _, id := range r.LabelPrecedence {
		rank[id] = len(rank)
	}
	for _, s := range r.Sources {
		if _, ok := rank[s.ID]; !ok {
			rank[s.ID] = len(rank)
		}
	}
	return rank
}

// Rule returns the punctuation rule declared for a canonical revision tag.
func (r *Registry) Rule(tag string) internal.RevisionRule {
	if rule, ok := r.Revisions[tag]; ok {
		return rule
	}
	return internal.RevisionRule{Tag: tag, Punctuation: internal.PunctuationKeep}
}

func (r *Registry) loadRevisions(raw map[string]rawRevision) error {
	for tag, rr := range raw {
		canonical, _ := util.CanonicalRevision(tag, nil)
		if canonical == "" {
			return configErr("revisions: empty revision tag")
		}
		p := internal.Punctuation(strings.ToLower(strings.TrimSpace(rr.Punctuation)))
		if err := util.ValidPunctuation(p); err != nil {
			return configErr("revisions %s: %v", tag, err)
		}
		if p == "" {
			p = internal.PunctuationKeep
		}
		if p == internal.PunctuationInsert && rr.DotAfter <= 0 {
			return configErr("revisions %s: punctuation insert needs dot_after > 0", tag)
		}
		if _, dup := r.Revisions[canonical]; dup {
			return configErr("revisions: %q declared twice", canonical)
		}
		r.Revisions[canonical] = internal.RevisionRule{
			Tag:         canonical,
			Aliases:     rr.Aliases,
			Punctuation: p,
			DotAfter:    rr.DotAfter,
		}
		r.Aliases[util.RevisionKey(tag)] = canonical
		for _, alias := range rr.Aliases {
			key := util.RevisionKey(alias)
			if key == "" {
				return configErr("revisions %s: empty alias", tag)
			}
			if prev, ok := r.Aliases[key]; ok && prev != canonical {
				return configErr("revisions: alias %q maps to both %s and %s", alias, prev, canonical)
			}
			r.Aliases[key] = canonical
		}
	}
	return nil
}

// sourceEntries accepts either a mapping keyed by id (document order is kept)
// or a sequence of entries carrying an id field.
func sourceEntries(node *yaml.Node) ([]rawSource, error) {
	var out []rawSource
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			var rs rawSource
			if err := value.Decode(&rs); err != nil {
				return nil, &internal.ConfigurationError{Msg: fmt.Sprintf("source %q", key.Value), Err: err}
			}
			if rs.ID != "" && rs.ID != key.Value {
				return nil, configErr("source %q: id field %q disagrees with key", key.Value, rs.ID)
			}
			rs.ID = key.Value
			out = append(out, rs)
		}
	case yaml.SequenceNode:
		for i, value := range node.Content {
			var rs rawSource
			if err := value.Decode(&rs); err != nil {
				return nil, &internal.ConfigurationError{Msg: fmt.Sprintf("sources[%d]", i), Err: err}
			}
			out = append(out, rs)
		}
	default:
		return nil, configErr("sources must be a mapping or a list")
	}
	return out, nil
}

func buildSource(rs rawSource, baseDir string) (internal.SourceDescriptor, error) {
	id := strings.TrimSpace(rs.ID)
	if id == "" {
		return internal.SourceDescriptor{}, configErr("source without id")
	}

	src := internal.SourceDescriptor{
		ID:          id,
		Title:       strings.TrimSpace(rs.Title),
		Publisher:   orUnknown(rs.Publisher),
		Reference:   strings.TrimSpace(rs.Reference),
		DOI:         strings.TrimSpace(rs.DOI),
		Version:     strings.TrimSpace(rs.Version),
		RetrievedAt: strings.TrimSpace(rs.RetrievedAt),
		License:     orUnknown(rs.License),
		Language:    strings.TrimSpace(rs.Language),
		Notes:       strings.TrimSpace(rs.Notes),
		Format:      internal.Format(strings.ToLower(strings.TrimSpace(rs.Format))),
		Encoding:    strings.TrimSpace(rs.Encoding),
		Delimiter:   rs.Delimiter,
		Sheet:       strings.TrimSpace(rs.Sheet.Value),
		Table:       rs.Table,
		Widths:      rs.Widths,
		Header:      rs.Header,
	}
	if src.Title == "" {
		src.Title = id
	}

	if !src.Format.Valid() {
		return src, configErr("source %s: unknown format %q (csv|tsv|xlsx|fixed|html|pdf|text)", id, rs.Format)
	}

	path := strings.TrimSpace(rs.Path)
	rawURL := strings.TrimSpace(rs.URL)
	switch {
	case path == "" && rawURL == "":
		return src, configErr("source %s: needs path or url", id)
	case path != "" && rawURL != "":
		return src, configErr("source %s: path and url are mutually exclusive", id)
	case rawURL != "":
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return src, configErr("source %s: url %q is not an http(s) url", id, rawURL)
		}
		src.URL = rawURL
	default:
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		src.Path = path
	}

	switch src.Format {
	case internal.FormatCSV:
		if len([]rune(src.Delimiter)) > 1 {
			return src, configErr("source %s: delimiter must be a single character", id)
		}
	case internal.FormatFixed:
		if len(src.Widths) == 0 {
			return src, configErr("source %s: fixed format needs widths", id)
		}
		for _, w := range src.Widths {
			if w <= 0 {
				return src, configErr("source %s: widths must be positive", id)
			}
		}
	case internal.FormatText, internal.FormatPDF:
		pattern := rs.Pattern
		if pattern == "" && src.Format == internal.FormatText {
			return src, configErr("source %s: text format needs a pattern", id)
		}
		if pattern != "" {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return src, &internal.ConfigurationError{Msg: "source " + id + ": pattern", Err: err}
			}
			if re.NumSubexp() == 0 {
				return src, configErr("source %s: pattern needs at least one capture group", id)
			}
			src.Pattern = re
		}
	case internal.FormatHTML:
		if src.Table < 0 {
			return src, configErr("source %s: table index must be >= 0", id)
		}
	}

	if enc := strings.ToLower(src.Encoding); enc != "" && enc != "utf-8" && enc != "utf8" {
		if src.Format == internal.FormatXLSX || src.Format == internal.FormatPDF {
			return src, configErr("source %s: encoding does not apply to %s", id, src.Format)
		}
		if _, err := htmlindex.Get(enc); err != nil {
			return src, configErr("source %s: unknown encoding %q", id, src.Encoding)
		}
	}

	if src.Sheet != "" && src.Format != internal.FormatXLSX {
		return src, configErr("source %s: sheet only applies to xlsx", id)
	}

	return src, nil
}

func (r *Registry) buildMapping(i int, rm rawMapping) (internal.MappingTable, error) {
	where := fmt.Sprintf("mappings[%d]", i)
	if _, ok := r.byID[rm.Source]; !ok {
		return internal.MappingTable{}, configErr("%s: unknown source %q", where, rm.Source)
	}
	if strings.TrimSpace(rm.FromICD) == "" || strings.TrimSpace(rm.ToICD) == "" {
		return internal.MappingTable{}, configErr("%s: from_icd and to_icd are required", where)
	}
	if rm.FromColumn == nil || rm.ToColumn == nil {
		return internal.MappingTable{}, configErr("%s: from_column and to_column are required", where)
	}
	filter, replacements, err := compileRules(where, rm.Filter, rm.Replacements)
	if err != nil {
		return internal.MappingTable{}, err
	}
	return internal.MappingTable{
		Source:       rm.Source,
		FromICD:      rm.FromICD,
		ToICD:        rm.ToICD,
		FromColumn:   *rm.FromColumn,
		ToColumn:     *rm.ToColumn,
		Attributes:   rm.Attributes,
		Filter:       filter,
		Replacements: replacements,
	}, nil
}

func (r *Registry) buildLabel(i int, rl rawLabel) (internal.LabelTable, error) {
	where := fmt.Sprintf("labels[%d]", i)
	if _, ok := r.byID[rl.Source]; !ok {
		return internal.LabelTable{}, configErr("%s: unknown source %q", where, rl.Source)
	}
	if strings.TrimSpace(rl.ICD) == "" {
		return internal.LabelTable{}, configErr("%s: icd is required", where)
	}
	if rl.CodeColumn == nil || rl.LabelColumn == nil {
		return internal.LabelTable{}, configErr("%s: code_column and label_column are required", where)
	}
	filter, replacements, err := compileRules(where, rl.Filter, rl.Replacements)
	if err != nil {
		return internal.LabelTable{}, err
	}
	return internal.LabelTable{
		Source:       rl.Source,
		ICD:          rl.ICD,
		Lang:         strings.TrimSpace(rl.Lang),
		CodeColumn:   *rl.CodeColumn,
		LabelColumn:  *rl.LabelColumn,
		LangColumn:   rl.LangColumn,
		Filter:       filter,
		Replacements: replacements,
	}, nil
}

func compileRules(where, filter string, raw []rawReplacement) (*regexp.Regexp, []internal.Replacement, error) {
	var re *regexp.Regexp
	if filter != "" {
		// filters match from the start of the code
		if _, err := regexp.Compile(filter); err != nil {
			return nil, nil, &internal.ConfigurationError{Msg: where + ": filter", Err: err}
		}
		re = regexp.MustCompile(`^(?:` + filter + `)`)
	}
	out := make([]internal.Replacement, 0, len(raw))
	for j, rr := range raw {
		if rr.Pattern == "" {
			return nil, nil, configErr("%s: replacements[%d]: empty pattern", where, j)
		}
		compiled, err := regexp.Compile(rr.Pattern)
		if err != nil {
			return nil, nil, &internal.ConfigurationError{Msg: fmt.Sprintf("%s: replacements[%d]", where, j), Err: err}
		}
		out = append(out, internal.Replacement{Pattern: compiled, Replace: translateBackrefs(rr.Replace)})
	}
	return re, out, nil
}

var reBackref = regexp.MustCompile(`\\(\d+)`)

// translateBackrefs turns \1 style references into Go's ${1}.
func translateBackrefs(s string) string {
	return reBackref.ReplaceAllString(s, `$${$1}`)
}

func orUnknown(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return unknown
	}
	return s
}

func configErr(format string, args ...any) error {
	return &internal.ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *internal.ConfigurationError
	return errors.As(err, &ce)
}
