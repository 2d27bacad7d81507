package pipeline

import (
	"math/rand/v2"
	"reflect"
	"slices"
	"testing"

	"icdcompass/internal"
)

func mapping(from, to, source string, attrs map[string]string) internal.MappingRecord {
	return internal.MappingRecord{FromICD: "ICD-9", FromCode: from, ToICD: "ICD-10", ToCode: to, Source: source, Attributes: attrs}
}

func TestMappingAggregatorDedup(t *testing.T) {
	agg := NewMappingAggregator()

	if dup, _ := agg.Add(mapping("410.0", "I21.9", "S1", map[string]string{"approx": "1"})); dup {
		t.Fatal("first add reported as duplicate")
	}
	dup, collisions := agg.Add(mapping("410.0", "I21.9", "S1", map[string]string{"approx": "0", "scenario": "1"}))
	if !dup {
		t.Fatal("expected duplicate")
	}
	if !slices.Equal(collisions, []string{"approx"}) {
		t.Fatalf("collisions=%v", collisions)
	}
	agg.Add(mapping("410.0", "I21.9", "S2", nil))

	records := agg.Records()
	if len(records) != 2 {
		t.Fatalf("records=%+v", records)
	}
	if records[0].Source != "S1" || records[1].Source != "S2" {
		t.Fatalf("cross-source records not kept apart: %+v", records)
	}
	if records[0].Attributes["approx"] != "0" || records[0].Attributes["scenario"] != "1" {
		t.Fatalf("attributes=%v", records[0].Attributes)
	}
}

func TestMappingAggregatorDoesNotAliasInput(t *testing.T) {
	agg := NewMappingAggregator()
	attrs := map[string]string{"a": "1"}
	agg.Add(mapping("1", "A", "S1", attrs))
	agg.Add(mapping("1", "A", "S1", map[string]string{"a": "2"}))
	if attrs["a"] != "1" {
		t.Fatal("caller map mutated")
	}
}

func TestSortMappings(t *testing.T) {
	records := []internal.MappingRecord{
		mapping("411", "I24", "S1", nil),
		mapping("410.0", "I21.9", "S2", nil),
		mapping("410.0", "I21.9", "S1", nil),
		{FromICD: "ICD-10", FromCode: "410.0", ToICD: "ICD-9", ToCode: "A", Source: "S1"},
		mapping("410.0", "I21.4", "S1", nil),
	}
	SortMappings(records)

	var got []string
	for _, r := range records {
		got = append(got, r.FromCode+"|"+r.FromICD+"|"+r.ToCode+"|"+r.Source)
	}
	want := []string{
		"410.0|ICD-10|A|S1",
		"410.0|ICD-9|I21.4|S1",
		"410.0|ICD-9|I21.9|S1",
		"410.0|ICD-9|I21.9|S2",
		"411|ICD-9|I24|S1",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("got=%v", got)
	}
}

func TestMappingOrderIndependent(t *testing.T) {
	var input []internal.MappingRecord
	for _, src := range []string{"A", "B", "C"} {
		for _, code := range []string{"410.0", "410.1", "411", "412"} {
			input = append(input, mapping(code, "I21", src, nil))
		}
	}

	build := func(records []internal.MappingRecord) []internal.MappingRecord {
		agg := NewMappingAggregator()
		for _, r := range records {
			agg.Add(r)
		}
		return agg.Records()
	}
	want := build(input)

	rng := rand.New(rand.NewPCG(1, 2))
	for range 10 {
		shuffled := slices.Clone(input)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		if got := build(shuffled); !reflect.DeepEqual(got, want) {
			t.Fatalf("order dependent result")
		}
	}
}

func label(source, text string) internal.LabelRecord {
	return internal.LabelRecord{ICD: "ICD-10", Code: "I21", Language: "en", Text: text, Source: source}
}

func TestLabelPrecedence(t *testing.T) {
	rank := map[string]int{"A": 0, "B": 1}

	for _, order := range [][]internal.LabelRecord{
		{label("A", "Acute myocardial infarction"), label("B", "Heart attack")},
		{label("B", "Heart attack"), label("A", "Acute myocardial infarction")},
	} {
		agg := NewLabelAggregator(rank)
		for _, rec := range order {
			agg.Add(rec)
		}
		tree, conflicts := agg.Finish()
		if text, _ := tree.Get("ICD-10", "I21", "en"); text != "Acute myocardial infarction" {
			t.Fatalf("text=%q", text)
		}
		if len(conflicts) != 1 {
			t.Fatalf("conflicts=%+v", conflicts)
		}
		c := conflicts[0]
		if c.KeptSource != "A" || c.DroppedSource != "B" || c.DroppedText != "Heart attack" {
			t.Fatalf("conflict=%+v", c)
		}
	}
}

func TestLabelFirstRowWinsWithinSource(t *testing.T) {
	agg := NewLabelAggregator(map[string]int{"A": 0})
	if agg.Add(label("A", "first")) {
		t.Fatal("first add reported as duplicate")
	}
	if !agg.Add(label("A", "second")) {
		t.Fatal("second add not reported as duplicate")
	}
	tree, conflicts := agg.Finish()
	if text, _ := tree.Get("ICD-10", "I21", "en"); text != "first" || len(conflicts) != 0 {
		t.Fatalf("text=%q conflicts=%v", text, conflicts)
	}
}

func TestLabelAgreeingSourcesAreNotConflicts(t *testing.T) {
	agg := NewLabelAggregator(map[string]int{"A": 0, "B": 1})
	agg.Add(label("B", "Acute MI"))
	agg.Add(label("A", "Acute MI"))
	_, conflicts := agg.Finish()
	if len(conflicts) != 0 {
		t.Fatalf("conflicts=%v", conflicts)
	}
}
