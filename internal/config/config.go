// Package config loads the YAML scan configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scan configures one audit run. Command-line flags override any field.
type Scan struct {
	// Dex lists unit paths or glob patterns (** spans directories).
	Dex []string `yaml:"dex"`
	// Flags is the hiddenapi flag file path.
	Flags string `yaml:"flags"`
	// ClassFilter holds dotted class-name prefixes to scope the
	// method-body scan; empty scans every class.
	ClassFilter []string `yaml:"class_filter"`
	// Reflection enables suspected-reflection findings in the report.
	Reflection bool `yaml:"reflection"`
	// ReportLists restricts findings to these categories; empty means
	// every category except sdk.
	ReportLists []string `yaml:"report_lists"`
	// Out is the report path; empty writes to stdout.
	Out string `yaml:"out"`
}

// Load reads a scan configuration file.
func Load(path string) (*Scan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var s Scan
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &s, nil
}
