package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"

	"icdcompass/internal"
	"icdcompass/internal/config"
	"icdcompass/internal/fetch"
	"icdcompass/internal/registry"
	"icdcompass/internal/storage"
)

type Kind string

const (
	KindMappings Kind = "mappings"
	KindLabels   Kind = "labels"
)

// Fetcher resolves source locations to bytes, keeping input order.
type Fetcher interface {
	FetchAll(ctx context.Context, sources []internal.SourceDescriptor) []fetch.Result
}

// StrictError ends a strict build when any source failed to load or had a
// row that could not be tokenized.
type StrictError struct {
	Failures []error
}

func (e *StrictError) Error() string {
	return fmt.Sprintf("strict mode: %d source(s) failed: %v", len(e.Failures), errors.Join(e.Failures...))
}

func (e *StrictError) Unwrap() []error { return e.Failures }

type BuildService struct {
	reg     *registry.Registry
	cfg     config.Config
	fetcher Fetcher
	db      *storage.DB
	strict  bool
	log     io.Writer
}

// NewBuildService wires a build. db may be nil, in which case no run is
// recorded.
func NewBuildService(reg *registry.Registry, cfg config.Config, fetcher Fetcher, db *storage.DB) *BuildService {
	return &BuildService{
		reg:     reg,
		cfg:     cfg,
		fetcher: fetcher,
		db:      db,
		strict:  reg.Strict || cfg.Strict,
		log:     os.Stderr,
	}
}

func (s *BuildService) SetStrict(strict bool) { s.strict = strict }

func (s *BuildService) SetLog(w io.Writer) { s.log = w }

type BuildResult struct {
	RunID       string
	Kind        Kind
	Mappings    internal.MappingsDataset
	Labels      internal.LabelsDataset
	Diagnostics *Diagnostics
	Loads       []fetch.Result
	Elapsed     time.Duration
}

// Run builds kind, then writes the artifact and the diagnostics report. The
// report is written even when a strict build fails; the artifact is not.
func (s *BuildService) Run(ctx context.Context, kind Kind, output, diagnosticsPath string) (*BuildResult, error) {
	runID := uuid.NewString()
	s.ledger("start run", func(db *storage.DB) error {
		return db.InsertRun(runID, string(kind), s.reg.Path, output)
	})

	res, buildErr := s.Build(ctx, kind)
	if res != nil {
		res.RunID = runID
		s.recordLoads(runID, res)
	}

	var writeErr error
	if buildErr == nil {
		switch kind {
		case KindMappings:
			writeErr = WriteMappings(output, res.Mappings)
		case KindLabels:
			writeErr = WriteLabels(output, res.Labels)
		}
	}
	if res != nil {
		if diagnosticsPath == "" {
			diagnosticsPath = DiagnosticsPath(output)
		}
		if err := WriteDiagnostics(diagnosticsPath, res.Diagnostics); err != nil && writeErr == nil {
			writeErr = err
		}
	}

	status := "ok"
	if err := errors.Join(buildErr, writeErr); err != nil {
		status = "failed"
	}
	if res != nil {
		totals := res.Diagnostics.Totals()
		s.ledger("finish run", func(db *storage.DB) error {
			return db.FinishRun(runID, status, map[string]int{
				"sources":         totals.Sources,
				"failed":          totals.Failed,
				"records":         totals.Records,
				"row_errors":      totals.RowErrors,
				"filtered":        totals.Filtered,
				"duplicates":      totals.Duplicates,
				"label_conflicts": totals.LabelConflicts,
			})
		})
	} else {
		s.ledger("finish run", func(db *storage.DB) error {
			return db.FinishRun(runID, status, nil)
		})
	}

	return res, errors.Join(buildErr, writeErr)
}

// Build runs the pipeline in memory: fetch, tokenize, normalize and
// aggregate. It returns a result whenever sources were attempted, so the
// diagnostics survive a strict failure.
func (s *BuildService) Build(ctx context.Context, kind Kind) (*BuildResult, error) {
	start := time.Now()
	diag := NewDiagnostics(string(kind), s.strict, s.cfg.SampleRows)

	var used []string
	switch kind {
	case KindMappings:
		for _, t := range s.reg.Mappings {
			used = appendUnique(used, t.Source)
		}
	case KindLabels:
		for _, t := range s.reg.Labels {
			used = appendUnique(used, t.Source)
		}
	default:
		return nil, fmt.Errorf("unknown build kind %q", kind)
	}

	// registration order, whatever order the tables name them in
	var sources []internal.SourceDescriptor
	for _, src := range s.reg.Sources {
		if slices.Contains(used, src.ID) {
			sources = append(sources, src)
		}
	}

	fetched := s.fetcher.FetchAll(ctx, sources)
	bodies := map[string]fetch.Result{}
	for _, r := range fetched {
		bodies[r.SourceID] = r
	}

	res := &BuildResult{Kind: kind, Diagnostics: diag}
	var failures []error

	switch kind {
	case KindMappings:
		agg := NewMappingAggregator()
		for _, src := range sources {
			report := diag.Source(src.ID)
			loaded := bodies[src.ID]
			report.Digest = loaded.Digest
			if loaded.Err != nil {
				diag.Fail(src.ID, loaded.Err)
				failures = append(failures, loaded.Err)
				continue
			}
			records, err := s.mappingRecords(src, loaded.Body, diag)
			if err != nil {
				diag.Fail(src.ID, err)
				failures = append(failures, err)
				continue
			}
			for _, nr := range records {
				dup, collisions := agg.Add(nr.rec)
				if dup {
					report.Duplicates++
				} else {
					report.Records++
				}
				if len(collisions) > 0 {
					diag.Collision(src.ID, nr.line, nr.raw, collisions)
				}
			}
		}
		res.Mappings = internal.MappingsDataset{Sources: s.reg.Public(), Mappings: agg.Records()}

	case KindLabels:
		agg := NewLabelAggregator(s.reg.LabelRank())
		for _, src := range sources {
			report := diag.Source(src.ID)
			loaded := bodies[src.ID]
			report.Digest = loaded.Digest
			if loaded.Err != nil {
				diag.Fail(src.ID, loaded.Err)
				failures = append(failures, loaded.Err)
				continue
			}
			records, err := s.labelRecords(src, loaded.Body, diag)
			if err != nil {
				diag.Fail(src.ID, err)
				failures = append(failures, err)
				continue
			}
			for _, rec := range records {
				if agg.Add(rec) {
					report.Duplicates++
				} else {
					report.Records++
				}
			}
		}
		tree, conflicts := agg.Finish()
		res.Labels = internal.LabelsDataset{Labels: tree}
		diag.LabelConflicts = conflicts
	}

	res.Loads = fetched
	res.Elapsed = time.Since(start)

	if s.strict && len(failures) > 0 {
		return res, &StrictError{Failures: failures}
	}
	return res, nil
}

type normalizedMapping struct {
	rec  internal.MappingRecord
	line int
	raw  string
}

// mappingRecords runs every mapping table of src. Records of a source are
// collected first so a strict failure can discard them together.
func (s *BuildService) mappingRecords(src internal.SourceDescriptor, body []byte, diag *Diagnostics) ([]normalizedMapping, error) {
	var out []normalizedMapping
	report := diag.Source(src.ID)
	for _, t := range s.reg.Mappings {
		if t.Source != src.ID {
			continue
		}
		from := ResolveRevision(s.reg, t.FromICD)
		to := ResolveRevision(s.reg, t.ToICD)
		flagRevisions(diag, from, to)

		rows, err := Rows(src, body, t.FromColumn.ByName || t.ToColumn.ByName || anyByName(t.Attributes))
		if err != nil {
			return nil, err
		}
		for row, err := range rows {
			if err != nil {
				diag.RowError(src.ID, err)
				if s.strict {
					return nil, err
				}
				continue
			}
			report.Rows++
			rec, keep, err := NormalizeMapping(t, from, to, row)
			if err != nil {
				diag.RowError(src.ID, err)
				continue
			}
			if !keep {
				report.Filtered++
				continue
			}
			out = append(out, normalizedMapping{rec: rec, line: row.Line, raw: row.Raw()})
		}
	}
	return out, nil
}

func (s *BuildService) labelRecords(src internal.SourceDescriptor, body []byte, diag *Diagnostics) ([]internal.LabelRecord, error) {
	var out []internal.LabelRecord
	report := diag.Source(src.ID)
	for _, t := range s.reg.Labels {
		if t.Source != src.ID {
			continue
		}
		rev := ResolveRevision(s.reg, t.ICD)
		flagRevisions(diag, rev)

		needHeader := t.CodeColumn.ByName || t.LabelColumn.ByName || (t.LangColumn != nil && t.LangColumn.ByName)
		rows, err := Rows(src, body, needHeader)
		if err != nil {
			return nil, err
		}
		for row, err := range rows {
			if err != nil {
				diag.RowError(src.ID, err)
				if s.strict {
					return nil, err
				}
				continue
			}
			report.Rows++
			rec, keep, err := NormalizeLabel(t, rev, src.Language, row)
			if err != nil {
				diag.RowError(src.ID, err)
				continue
			}
			if !keep {
				report.Filtered++
				continue
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func flagRevisions(diag *Diagnostics, revs ...Revision) {
	for _, r := range revs {
		if !r.Recognized {
			diag.FlagRevision(r.Tag)
		}
	}
}

func anyByName(cols []internal.Column) bool {
	for _, c := range cols {
		if c.ByName {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

// recordLoads stores one ledger row per attempted source and the sampled
// failures, and marks sources whose content changed since the last load.
func (s *BuildService) recordLoads(runID string, res *BuildResult) {
	if s.db == nil {
		return
	}
	for _, l := range res.Loads {
		report := res.Diagnostics.Source(l.SourceID)
		if l.Err == nil {
			prev, err := s.db.LastSourceDigest(l.SourceID)
			if err != nil {
				fmt.Fprintf(s.log, "warning: ledger lookup %s: %v\n", l.SourceID, err)
			} else if prev != nil && *prev != l.Digest {
				report.Changed = true
			}
		}
		load := storage.SourceLoad{
			RunID:    runID,
			SourceID: l.SourceID,
			Location: l.Location,
			Digest:   l.Digest,
			Bytes:    len(l.Body),
			Status:   string(report.Status),
			Error:    report.Error,
		}
		s.ledger("record source load", func(db *storage.DB) error { return db.InsertSourceLoad(load) })
	}

	var rows []storage.DiagnosticRow
	for _, r := range res.Diagnostics.Sources {
		for _, sample := range r.Samples {
			rows = append(rows, storage.DiagnosticRow{
				RunID:    runID,
				SourceID: r.Source,
				Kind:     sample.Kind,
				Line:     sample.Line,
				Raw:      sample.Raw,
				Error:    sample.Error,
			})
		}
	}
	s.ledger("record diagnostics", func(db *storage.DB) error { return db.InsertDiagnostics(rows) })
}

// ledger runs fn against the run ledger when one is configured. Failures
// are reported and never fail the build.
func (s *BuildService) ledger(what string, fn func(db *storage.DB) error) {
	if s.db == nil {
		return
	}
	if err := fn(s.db); err != nil {
		fmt.Fprintf(s.log, "warning: ledger %s: %v\n", what, err)
	}
}
