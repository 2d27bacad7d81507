package pipeline

import (
	"cmp"
	"maps"
	"slices"
	"strings"

	"icdcompass/internal"
)

// MappingAggregator collapses identical assertions of one source. Assertions
// of different sources stay separate records.
type MappingAggregator struct {
	index   map[internal.MappingKey]int
	records []internal.MappingRecord
}

func NewMappingAggregator() *MappingAggregator {
	return &MappingAggregator{index: map[internal.MappingKey]int{}}
}

// Add merges rec. dup reports that the key was already present; collisions
// lists attribute keys whose earlier value was replaced by a different one.
func (a *MappingAggregator) Add(rec internal.MappingRecord) (dup bool, collisions []string) {
	key := rec.Key()
	i, ok := a.index[key]
	if !ok {
		rec.Attributes = maps.Clone(rec.Attributes)
		a.index[key] = len(a.records)
		a.records = append(a.records, rec)
		return false, nil
	}

	existing := &a.records[i]
	for _, k := range slices.Sorted(maps.Keys(rec.Attributes)) {
		v := rec.Attributes[k]
		if existing.Attributes == nil {
			existing.Attributes = map[string]string{}
		}
		if prev, found := existing.Attributes[k]; found && prev != v {
			collisions = append(collisions, k)
		}
		existing.Attributes[k] = v
	}
	return true, collisions
}

// Records returns the merged mappings sorted by from_code, from_icd,
// to_code, to_icd and source.
func (a *MappingAggregator) Records() []internal.MappingRecord {
	out := slices.Clone(a.records)
	SortMappings(out)
	return out
}

func SortMappings(records []internal.MappingRecord) {
	slices.SortFunc(records, func(x, y internal.MappingRecord) int {
		return cmp.Or(
			strings.Compare(x.FromCode, y.FromCode),
			strings.Compare(x.FromICD, y.FromICD),
			strings.Compare(x.ToCode, y.ToCode),
			strings.Compare(x.ToICD, y.ToICD),
			strings.Compare(x.Source, y.Source),
		)
	})
}

// LabelAggregator keeps one candidate per source for each (icd, code,
// language) and resolves them by source rank when finished, so the result
// does not depend on the order sources were added in.
type LabelAggregator struct {
	rank       map[string]int
	candidates map[internal.LabelKey][]internal.LabelRecord
}

func NewLabelAggregator(rank map[string]int) *LabelAggregator {
	return &LabelAggregator{rank: rank, candidates: map[internal.LabelKey][]internal.LabelRecord{}}
}

// Add records rec unless its source already provided a label for the same
// key, in which case the first one stays and dup is true.
func (a *LabelAggregator) Add(rec internal.LabelRecord) (dup bool) {
	key := rec.Key()
	for _, c := range a.candidates[key] {
		if c.Source == rec.Source {
			return true
		}
	}
	a.candidates[key] = append(a.candidates[key], rec)
	return false
}

func (a *LabelAggregator) rankOf(source string) int {
	if r, ok := a.rank[source]; ok {
		return r
	}
	return len(a.rank)
}

// Finish builds the label tree. Alternatives that lost to a higher ranked
// source with a different text are returned as conflicts.
func (a *LabelAggregator) Finish() (internal.LabelTree, []LabelConflict) {
	tree := internal.LabelTree{}
	var conflicts []LabelConflict

	for _, key := range a.sortedKeys() {
		cands := slices.Clone(a.candidates[key])
		slices.SortFunc(cands, func(x, y internal.LabelRecord) int {
			return cmp.Or(cmp.Compare(a.rankOf(x.Source), a.rankOf(y.Source)), strings.Compare(x.Source, y.Source))
		})
		kept := cands[0]
		tree.Set(key.ICD, key.Code, key.Language, kept.Text)
		for _, lost := range cands[1:] {
			if lost.Text == kept.Text {
				continue
			}
			conflicts = append(conflicts, LabelConflict{
				ICD:           key.ICD,
				Code:          key.Code,
				Language:      key.Language,
				KeptSource:    kept.Source,
				KeptText:      kept.Text,
				DroppedSource: lost.Source,
				DroppedText:   lost.Text,
			})
		}
	}
	return tree, conflicts
}

func (a *LabelAggregator) sortedKeys() []internal.LabelKey {
	keys := slices.Collect(maps.Keys(a.candidates))
	slices.SortFunc(keys, func(x, y internal.LabelKey) int {
		return cmp.Or(
			strings.Compare(x.ICD, y.ICD),
			strings.Compare(x.Code, y.Code),
			strings.Compare(x.Language, y.Language),
		)
	})
	return keys
}
