// Package migrations embeds the goose SQL migrations for the catalog
// schema (ecmwf_runs, ecmwf_times, ecmwf_assets).
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
