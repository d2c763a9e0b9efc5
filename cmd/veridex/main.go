package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = cmdScan(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "mounts":
		err = cmdMounts(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `veridex - hidden API usage auditor for dex files

Usage:
  veridex scan   --flags <file> [options] <dex|glob>...   Scan units and print the audit report
  veridex graph  --flags <file> [options] <dex|glob>...   Emit a caller->API usage graph in DOT
  veridex mounts [--path <p>] [--of ancestors|descendants]  Inspect /proc/mounts entries

Scan options:
  --flags <file>       hiddenapi flag file (signature,flag,... lines)
  --config <file>      YAML scan config (flags override it)
  --filter <prefixes>  comma-separated dotted class prefixes to scan
  --reflection         also report suspected reflection uses
  --report-lists <l>   comma-separated categories to report (default: all but sdk)
  --out <file>         write output to file instead of stdout
`)
}
