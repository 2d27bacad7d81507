package pipeline

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"icdcompass/internal"
)

type SourceStatus string

const (
	StatusOK      SourceStatus = "ok"
	StatusPartial SourceStatus = "partial"
	StatusFailed  SourceStatus = "failed"
)

// Sample is one failing row kept for the report.
type Sample struct {
	Line  int    `json:"line"`
	Kind  string `json:"kind"`
	Raw   string `json:"raw,omitempty"`
	Error string `json:"error"`
}

type SourceReport struct {
	Source              string       `json:"source"`
	Status              SourceStatus `json:"status"`
	Error               string       `json:"error,omitempty"`
	Digest              string       `json:"digest,omitempty"`
	Rows                int          `json:"rows"`
	Records             int          `json:"records"`
	Filtered            int          `json:"filtered"`
	FormatErrors        int          `json:"format_errors"`
	NormalizationErrors int          `json:"normalization_errors"`
	Duplicates          int          `json:"duplicates"`
	AttributeCollisions int          `json:"attribute_collisions"`
	Samples             []Sample     `json:"samples,omitempty"`

	// Changed is set by the ledger when the digest differs from the last
	// successful load. It is not part of the report file.
	Changed bool `json:"-"`
}

type LabelConflict struct {
	ICD           string `json:"icd"`
	Code          string `json:"code"`
	Language      string `json:"language"`
	KeptSource    string `json:"kept_source"`
	KeptText      string `json:"kept_text"`
	DroppedSource string `json:"dropped_source"`
	DroppedText   string `json:"dropped_text"`
}

// Diagnostics accumulates row and source failures of one build. It carries
// no timestamps so the report is reproducible.
type Diagnostics struct {
	Command               string          `json:"command"`
	Strict                bool            `json:"strict"`
	Sources               []*SourceReport `json:"sources"`
	LabelConflicts        []LabelConflict `json:"label_conflicts,omitempty"`
	UnrecognizedRevisions []string        `json:"unrecognized_revisions,omitempty"`

	sampleLimit int
	bySource    map[string]*SourceReport
}

func NewDiagnostics(command string, strict bool, sampleLimit int) *Diagnostics {
	return &Diagnostics{
		Command:     command,
		Strict:      strict,
		Sources:     []*SourceReport{},
		sampleLimit: sampleLimit,
		bySource:    map[string]*SourceReport{},
	}
}

// Source returns the report of id, creating it on first use.
func (d *Diagnostics) Source(id string) *SourceReport {
	if r, ok := d.bySource[id]; ok {
		return r
	}
	r := &SourceReport{Source: id, Status: StatusOK}
	d.bySource[id] = r
	d.Sources = append(d.Sources, r)
	return r
}

func (d *Diagnostics) FlagRevision(tag string) {
	if !slices.Contains(d.UnrecognizedRevisions, tag) {
		d.UnrecognizedRevisions = append(d.UnrecognizedRevisions, tag)
		slices.Sort(d.UnrecognizedRevisions)
	}
}

func (d *Diagnostics) sample(r *SourceReport, s Sample) {
	if len(r.Samples) < d.sampleLimit {
		r.Samples = append(r.Samples, s)
	}
}

// RowError records a per-row failure and classifies it by type.
func (d *Diagnostics) RowError(sourceID string, err error) {
	r := d.Source(sourceID)
	var fe *internal.SourceFormatError
	var ne *internal.NormalizationError
	switch {
	case errors.As(err, &fe):
		r.FormatErrors++
		d.sample(r, Sample{Line: fe.Line, Kind: "format", Raw: fe.Raw, Error: fe.Err.Error()})
	case errors.As(err, &ne):
		r.NormalizationErrors++
		d.sample(r, Sample{Line: ne.Line, Kind: "normalization", Raw: ne.Raw, Error: ne.Reason})
	default:
		r.FormatErrors++
		d.sample(r, Sample{Kind: "format", Error: err.Error()})
	}
	if r.Status == StatusOK {
		r.Status = StatusPartial
	}
}

func (d *Diagnostics) Collision(sourceID string, line int, raw string, keys []string) {
	r := d.Source(sourceID)
	r.AttributeCollisions += len(keys)
	d.sample(r, Sample{Line: line, Kind: "attribute_collision", Raw: raw, Error: fmt.Sprintf("attributes overridden: %v", keys)})
}

// Fail marks a whole source as failed. Records already counted for it are
// discarded by the caller.
func (d *Diagnostics) Fail(sourceID string, err error) {
	r := d.Source(sourceID)
	r.Status = StatusFailed
	r.Error = err.Error()
	r.Records = 0
}

type Totals struct {
	Sources        int `json:"sources"`
	Failed         int `json:"failed"`
	Records        int `json:"records"`
	RowErrors      int `json:"row_errors"`
	Filtered       int `json:"filtered"`
	Duplicates     int `json:"duplicates"`
	LabelConflicts int `json:"label_conflicts"`
}

func (d *Diagnostics) Totals() Totals {
	t := Totals{Sources: len(d.Sources), LabelConflicts: len(d.LabelConflicts)}
	for _, r := range d.Sources {
		if r.Status == StatusFailed {
			t.Failed++
		}
		t.Records += r.Records
		t.RowErrors += r.FormatErrors + r.NormalizationErrors
		t.Filtered += r.Filtered
		t.Duplicates += r.Duplicates
	}
	return t
}

// Summary prints one line per source and the totals.
func (d *Diagnostics) Summary(w io.Writer) {
	for _, r := range d.Sources {
		line := fmt.Sprintf("  %-20s %-8s rows=%d records=%d filtered=%d format_errors=%d normalization_errors=%d duplicates=%d",
			r.Source, r.Status, r.Rows, r.Records, r.Filtered, r.FormatErrors, r.NormalizationErrors, r.Duplicates)
		if r.Changed {
			line += " (changed since last run)"
		}
		if r.Error != "" {
			line += " error=" + r.Error
		}
		fmt.Fprintln(w, line)
	}
	if len(d.LabelConflicts) > 0 {
		fmt.Fprintf(w, "  label conflicts: %d\n", len(d.LabelConflicts))
	}
	if len(d.UnrecognizedRevisions) > 0 {
		fmt.Fprintf(w, "  unrecognized revisions: %v\n", d.UnrecognizedRevisions)
	}
}
