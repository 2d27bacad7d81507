package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"icdcompass/internal/config"
	"icdcompass/internal/fetch"
	"icdcompass/internal/pipeline"
	"icdcompass/internal/registry"
	"icdcompass/internal/storage"
)

func main() {
	cfg, err := config.Load()
	must(err)

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "mappings", "labels":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		configPath := fs.String("config", "", "path to the YAML source registry")
		output := fs.String("output", "", "output JSON path")
		diagnostics := fs.String("diagnostics", "", "diagnostics report path (default <output>.diagnostics.json)")
		strict := fs.Bool("strict", cfg.Strict, "abort on any source or row failure")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*configPath) == "" || strings.TrimSpace(*output) == "" {
			must(fmt.Errorf("--config and --output are required"))
		}

		reg, err := registry.Load(*configPath)
		must(err)

		db := openLedger(cfg)
		if db != nil {
			defer db.Close()
		}

		svc := pipeline.NewBuildService(reg, cfg, fetch.NewClient(cfg), db)
		if *strict {
			svc.SetStrict(true)
		}
		res, err := svc.Run(context.Background(), pipeline.Kind(cmd), *output, *diagnostics)
		if res != nil {
			res.Diagnostics.Summary(os.Stderr)
		}
		must(err)

		count := len(res.Mappings.Mappings)
		if res.Kind == pipeline.KindLabels {
			count = res.Labels.Labels.Count()
		}
		fmt.Printf("%s build done run=%s records=%d output=%s elapsed=%s\n", cmd, res.RunID, count, *output, res.Elapsed.Round(time.Millisecond))
	case "validate":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		configPath := fs.String("config", "", "path to the YAML source registry")
		source := fs.String("source", "", "print one resolved source")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*configPath) == "" {
			must(fmt.Errorf("--config is required"))
		}
		reg, err := registry.Load(*configPath)
		must(err)
		if *source != "" {
			must(describeSource(os.Stdout, reg, *source))
		}
		fmt.Printf("config ok sources=%d mappings=%d labels=%d\n", len(reg.Sources), len(reg.Mappings), len(reg.Labels))
	case "export:xlsx":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		mappings := fs.String("mappings", "", "mappings artifact")
		labels := fs.String("labels", "", "labels artifact (optional)")
		lang := fs.String("lang", "en", "label language")
		out := fs.String("out", "", "output xlsx path")
		_ = fs.Parse(os.Args[2:])
		if strings.TrimSpace(*mappings) == "" || strings.TrimSpace(*out) == "" {
			must(fmt.Errorf("--mappings and --out are required"))
		}
		count, err := pipeline.ExportTable(*mappings, *labels, *lang, *out)
		must(err)
		fmt.Printf("exported %d rows to %s\n", count, *out)
	case "runs":
		fs := flag.NewFlagSet(cmd, flag.ExitOnError)
		limit := fs.Int("limit", 20, "number of runs")
		_ = fs.Parse(os.Args[2:])
		if cfg.DBPath == "" {
			must(fmt.Errorf("run ledger disabled (ICD_DB_PATH is empty)"))
		}
		db, err := storage.Open(cfg.DBPath)
		must(err)
		defer db.Close()
		runs, err := db.ListRuns(*limit)
		must(err)
		for _, r := range runs {
			fmt.Printf("%s %-8s %-6s started=%s finished=%s records=%d failed=%d config=%s output=%s\n",
				r.ID, r.Command, r.Status, r.StartedAt, r.FinishedAt, r.Counts["records"], r.Counts["failed"], r.ConfigPath, r.Output)
		}
	default:
		usage()
		os.Exit(1)
	}
}

// openLedger opens the run ledger. It is optional: failures only warn.
func openLedger(cfg config.Config) *storage.DB {
	if cfg.DBPath == "" {
		return nil
	}
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: run ledger unavailable: %v\n", err)
		return nil
	}
	return db
}

func usage() {
	fmt.Println("usage: icdcompass <command>")
	fmt.Println("commands:")
	fmt.Println("  mappings --config=sources.yml --output=mappings.json [--diagnostics=...] [--strict]")
	fmt.Println("  labels --config=sources.yml --output=labels.json [--diagnostics=...] [--strict]")
	fmt.Println("  validate --config=sources.yml [--source=ID]")
	fmt.Println("  export:xlsx --mappings=mappings.json [--labels=labels.json] [--lang=en] --out=table.xlsx")
	fmt.Println("  runs [--limit=20]")
}

// describeSource prints how a source resolved: where it is read from, how it
// is tokenized and which tables use it.
func describeSource(w io.Writer, reg *registry.Registry, id string) error {
	src, ok := reg.Source(id)
	if !ok {
		return fmt.Errorf("unknown source %q", id)
	}
	encoding := src.Encoding
	if encoding == "" {
		encoding = "utf-8"
	}
	tables := 0
	for _, t := range reg.Mappings {
		if t.Source == id {
			tables++
		}
	}
	for _, t := range reg.Labels {
		if t.Source == id {
			tables++
		}
	}
	fmt.Fprintf(w, "source %s format=%s location=%s encoding=%s tables=%d\n", src.ID, src.Format, src.Location(), encoding, tables)
	if src.Title != "" {
		fmt.Fprintf(w, "  title: %s\n", src.Title)
	}
	return nil
}

const (
	exitFailure = 1
	exitConfig  = 2
)

// exitCode separates a bad registry from a failed build.
func exitCode(err error) int {
	if registry.IsConfigurationError(err) {
		return exitConfig
	}
	return exitFailure
}

func must(err error) {
	if err == nil {
		return
	}
	if registry.IsConfigurationError(err) {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(err))
}
