package main

import (
	"veridex/internal/apigraph"
)

func cmdGraph(args []string) error {
	opts := newScanOpts("graph")
	cfg, err := opts.config(args)
	if err != nil {
		return err
	}

	f, policy, err := runScan(cfg)
	if err != nil {
		return err
	}

	dot := apigraph.DOT(f.MethodAccesses(), f.FieldAccesses(), policy, "hidden API usage")
	return writeOutput(cfg.Out, []byte(dot))
}
