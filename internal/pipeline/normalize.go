package pipeline

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	"icdcompass/internal"
	"icdcompass/internal/registry"
	"icdcompass/internal/util"
)

// Revision is a table's ICD tag after canonicalization.
type Revision struct {
	Tag        string
	Recognized bool
	Rule       internal.RevisionRule
}

func ResolveRevision(reg *registry.Registry, raw string) Revision {
	tag, ok := util.CanonicalRevision(raw, reg.Aliases)
	return Revision{Tag: tag, Recognized: ok, Rule: reg.Rule(tag)}
}

// cellLookup resolves column selectors against a row's cells.
func cellLookup(row internal.RawRow, col internal.Column) (string, bool) {
	idx := col.Index
	if col.ByName {
		idx = slices.Index(row.Columns, col.Name)
		if idx < 0 {
			return "", false
		}
	}
	if idx < 0 || idx >= len(row.Cells) {
		return "", false
	}
	return row.Cells[idx], true
}

// normalizeTableCode runs the code pipeline shared by mapping and label
// tables. keep is false when the filter rejects the code.
func normalizeTableCode(raw string, filter *regexp.Regexp, rules []internal.Replacement, rev Revision) (code string, keep bool) {
	code = util.NormalizeCode(raw)
	if code == "" {
		return "", true
	}
	if filter != nil && !filter.MatchString(filterKey(code)) {
		return code, false
	}
	for _, r := range rules {
		code = r.Pattern.ReplaceAllString(code, r.Replace)
	}
	return util.ApplyPunctuation(code, rev.Rule), true
}

// filterKey is the form filters are tested against: the folded code without
// dots or commas, whatever punctuation the source uses.
func filterKey(code string) string {
	return strings.NewReplacer(".", "", ",", "").Replace(code)
}

// NormalizeMapping turns one raw row into a MappingRecord. ok is false when
// the table filter excluded the row. The filter is tested against the
// source-side code.
func NormalizeMapping(t internal.MappingTable, from, to Revision, row internal.RawRow) (rec internal.MappingRecord, ok bool, err error) {
	fail := func(reason string) (internal.MappingRecord, bool, error) {
		return internal.MappingRecord{}, true, &internal.NormalizationError{SourceID: row.SourceID, Line: row.Line, Raw: row.Raw(), Reason: reason}
	}

	rawFrom, found := cellLookup(row, t.FromColumn)
	if !found {
		return fail(fmt.Sprintf("from column %s not present", t.FromColumn))
	}
	rawTo, found := cellLookup(row, t.ToColumn)
	if !found {
		return fail(fmt.Sprintf("to column %s not present", t.ToColumn))
	}

	fromCode, keep := normalizeTableCode(rawFrom, t.Filter, t.Replacements, from)
	if !keep {
		return internal.MappingRecord{}, false, nil
	}
	toCode, _ := normalizeTableCode(rawTo, nil, t.Replacements, to)
	if fromCode == "" {
		return fail("empty from code")
	}
	if toCode == "" {
		return fail("empty to code")
	}

	rec = internal.MappingRecord{
		FromICD:  from.Tag,
		FromCode: fromCode,
		ToICD:    to.Tag,
		ToCode:   toCode,
		Source:   t.Source,
	}
	for _, col := range t.Attributes {
		value, found := cellLookup(row, col)
		value = util.NormalizeSpaces(value)
		if !found || value == "" {
			continue
		}
		if rec.Attributes == nil {
			rec.Attributes = map[string]string{}
		}
		rec.Attributes[attributeKey(row, col)] = value
	}
	return rec, true, nil
}

// attributeKey is the header name of an attribute column, or its index when
// the file has no header.
func attributeKey(row internal.RawRow, col internal.Column) string {
	if col.ByName {
		return col.Name
	}
	if col.Index < len(row.Columns) && row.Columns[col.Index] != "" {
		return row.Columns[col.Index]
	}
	return col.String()
}

// NormalizeLabel turns one raw row into a LabelRecord. The language comes
// from the row, then the table, then the source descriptor.
func NormalizeLabel(t internal.LabelTable, rev Revision, defaultLang string, row internal.RawRow) (rec internal.LabelRecord, ok bool, err error) {
	fail := func(reason string) (internal.LabelRecord, bool, error) {
		return internal.LabelRecord{}, true, &internal.NormalizationError{SourceID: row.SourceID, Line: row.Line, Raw: row.Raw(), Reason: reason}
	}

	rawCode, found := cellLookup(row, t.CodeColumn)
	if !found {
		return fail(fmt.Sprintf("code column %s not present", t.CodeColumn))
	}
	code, keep := normalizeTableCode(rawCode, t.Filter, t.Replacements, rev)
	if !keep {
		return internal.LabelRecord{}, false, nil
	}
	if code == "" {
		return fail("empty code")
	}

	text, _ := cellLookup(row, t.LabelColumn)
	text = strings.TrimSpace(norm.NFC.String(util.NormalizeSpaces(text)))
	if text == "" {
		return fail("empty label text")
	}

	lang := ""
	if t.LangColumn != nil {
		lang, _ = cellLookup(row, *t.LangColumn)
	}
	lang = firstNonEmpty(lang, t.Lang, defaultLang)
	if lang == "" {
		return fail("no language tag")
	}

	return internal.LabelRecord{
		ICD:      rev.Tag,
		Code:     code,
		Language: strings.TrimSpace(lang),
		Text:     text,
		Source:   t.Source,
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
