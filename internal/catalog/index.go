// Package catalog joins the two build artifacts: mappings on one side and
// the label table on the other.
package catalog

import (
	"maps"
	"slices"
	"strings"

	"icdcompass/internal"
	"icdcompass/internal/util"
)

type Index struct {
	Labels internal.LabelTree
	// ByBareCode holds labels keyed by icd then dot-free code, for sources
	// that punctuate codes differently than the mapping tables do.
	ByBareCode map[string]map[string]map[string]string
}

func BuildIndex(labels internal.LabelTree) *Index {
	idx := &Index{
		Labels:     labels,
		ByBareCode: map[string]map[string]map[string]string{},
	}
	for icd, byCode := range labels {
		bare := map[string]map[string]string{}
		for _, code := range slices.Sorted(maps.Keys(byCode)) {
			byLang := byCode[code]
			key := bareCode(code)
			if _, taken := bare[key]; taken && key != code {
				continue
			}
			bare[key] = byLang
		}
		idx.ByBareCode[icd] = bare
	}
	return idx
}

// Lookup returns the label of (icd, code, lang). An exact code match wins
// over a match that ignores punctuation.
func (idx *Index) Lookup(icd, code, lang string) (string, bool) {
	if text, ok := idx.Labels.Get(icd, code, lang); ok {
		return text, true
	}
	text, ok := idx.ByBareCode[icd][bareCode(code)][lang]
	return text, ok
}

// Languages lists every language tag present in the table.
func (idx *Index) Languages() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, byCode := range idx.Labels {
		for _, byLang := range byCode {
			for lang := range byLang {
				if _, ok := seen[lang]; !ok {
					seen[lang] = struct{}{}
					out = append(out, lang)
				}
			}
		}
	}
	slices.Sort(out)
	return out
}

func bareCode(code string) string {
	return strings.NewReplacer(".", "", "-", "").Replace(util.NormalizeCode(code))
}

// Row is one mapping joined with the labels of both sides.
type Row struct {
	internal.MappingRecord
	FromLabel   string
	ToLabel     string
	SourceTitle string
}

func Join(ds internal.MappingsDataset, idx *Index, lang string) []Row {
	rows := make([]Row, 0, len(ds.Mappings))
	for _, m := range ds.Mappings {
		row := Row{MappingRecord: m, SourceTitle: ds.Sources[m.Source].Title}
		row.FromLabel, _ = idx.Lookup(m.FromICD, m.FromCode, lang)
		row.ToLabel, _ = idx.Lookup(m.ToICD, m.ToCode, lang)
		rows = append(rows, row)
	}
	return rows
}
