// Package configs holds configuration templates embedded into the binary.
//
// ProjectConfigTemplate is written by `codeindex init` to .codeindex.yaml in
// the project root. Every key it shows is optional; omitted keys keep the
// defaults from internal/config NewConfig().
//
// Precedence (see internal/config Load):
//  1. defaults
//  2. user config ($XDG_CONFIG_HOME/codeindex/config.yaml)
//  3. project config (.codeindex.yaml)
//  4. CODEINDEX_* environment variables
package configs

import _ "embed"

// ProjectConfigTemplate is the commented project configuration.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
