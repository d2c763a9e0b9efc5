package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strings"

	"veridex/internal/config"
	"veridex/internal/dex"
	"veridex/internal/finder"
	"veridex/internal/hiddenapi"
	"veridex/internal/pathtools"
)

// scanOpts holds the flags shared by scan and graph.
type scanOpts struct {
	fs          *flag.FlagSet
	flags       *string
	cfgPath     *string
	filter      *string
	reportLists *string
	out         *string
	reflection  *bool
}

func newScanOpts(name string) *scanOpts {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &scanOpts{
		fs:          fs,
		flags:       fs.String("flags", "", "hiddenapi flag file"),
		cfgPath:     fs.String("config", "", "YAML scan config"),
		filter:      fs.String("filter", "", "comma-separated dotted class prefixes"),
		reportLists: fs.String("report-lists", "", "comma-separated categories to report"),
		out:         fs.String("out", "", "write output to file instead of stdout"),
		reflection:  fs.Bool("reflection", false, "report suspected reflection uses"),
	}
}

// config parses args and resolves the effective scan configuration:
// --config supplies defaults, explicitly set flags override, positional
// arguments append to the unit list.
func (o *scanOpts) config(args []string) (*config.Scan, error) {
	if err := o.fs.Parse(args); err != nil {
		return nil, err
	}
	cfg := &config.Scan{}
	if *o.cfgPath != "" {
		loaded, err := config.Load(*o.cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	o.fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "flags":
			cfg.Flags = *o.flags
		case "filter":
			cfg.ClassFilter = splitList(*o.filter)
		case "report-lists":
			cfg.ReportLists = splitList(*o.reportLists)
		case "out":
			cfg.Out = *o.out
		case "reflection":
			cfg.Reflection = *o.reflection
		}
	})
	cfg.Dex = append(cfg.Dex, o.fs.Args()...)

	if cfg.Flags == "" {
		return nil, fmt.Errorf("--flags is required")
	}
	if len(cfg.Dex) == 0 {
		return nil, fmt.Errorf("at least one dex path is required")
	}
	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// runScan loads the policy, opens every unit and runs the engine. The
// policy load happens first: a run with no classification database must
// fail before any scanning.
func runScan(cfg *config.Scan) (*finder.Finder, *hiddenapi.Policy, error) {
	var reported []hiddenapi.List
	for _, name := range cfg.ReportLists {
		l, ok := hiddenapi.ParseList(name)
		if !ok {
			return nil, nil, fmt.Errorf("unknown report list %q", name)
		}
		reported = append(reported, l)
	}
	policy, err := hiddenapi.LoadPolicy(cfg.Flags, reported)
	if err != nil {
		return nil, nil, err
	}

	paths, err := expandUnits(cfg.Dex)
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, nil, fmt.Errorf("no dex files match %v", cfg.Dex)
	}

	var units []finder.Unit
	for _, p := range paths {
		u, err := dex.Open(p)
		if err != nil {
			return nil, nil, err
		}
		fmt.Fprintf(os.Stderr, "unit: %s (%d types)\n", p, u.TypeTableSize())
		for _, name := range u.DefinedNames() {
			policy.MarkAppDefined(name)
		}
		units = append(units, u)
	}

	f := finder.New(policy)
	f.Run(units, finder.PrefixFilter(cfg.ClassFilter))
	return f, policy, nil
}

// expandUnits resolves glob patterns to file paths; plain paths pass
// through untouched.
func expandUnits(patterns []string) ([]string, error) {
	var out []string
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[") {
			out = append(out, p)
			continue
		}
		root := "."
		if strings.HasPrefix(p, "/") {
			root = "/"
		}
		matches, err := pathtools.Glob([]string{p}, root)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

func writeOutput(out string, data []byte) error {
	if out == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func cmdScan(args []string) error {
	opts := newScanOpts("scan")
	cfg, err := opts.config(args)
	if err != nil {
		return err
	}

	f, _, err := runScan(cfg)
	if err != nil {
		return err
	}

	// Render into memory first so a failed run never publishes a partial
	// report.
	var buf bytes.Buffer
	var stats finder.Stats
	f.Dump(&buf, &stats, cfg.Reflection)

	if err := writeOutput(cfg.Out, buf.Bytes()); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d hidden API(s) used: %d linked against, %d through reflection\n",
		stats.LinkingCount+stats.ReflectionCount, stats.LinkingCount, stats.ReflectionCount)
	for l := 0; l < hiddenapi.ListCount; l++ {
		if n := stats.APICounts[l]; n > 0 {
			fmt.Fprintf(os.Stderr, "\t%d in %s\n", n, hiddenapi.List(l))
		}
	}
	return nil
}
