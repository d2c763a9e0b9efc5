package main

import (
	"flag"
	"fmt"
	"os"

	"veridex/internal/pathtools"
)

func cmdMounts(args []string) error {
	fs := flag.NewFlagSet("mounts", flag.ExitOnError)
	path := fs.String("path", "/", "path to relate mount points to")
	of := fs.String("of", "descendants", "which entries to list: ancestors or descendants")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var entries []pathtools.MountEntry
	var err error
	switch *of {
	case "ancestors":
		entries, err = pathtools.MountsAncestorsOf(*path)
	case "descendants":
		entries, err = pathtools.MountsDescendantsOf(*path)
	default:
		return fmt.Errorf("--of must be ancestors or descendants, got %q", *of)
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", e.MountPoint, e.FSType, e.Source)
	}
	return nil
}
