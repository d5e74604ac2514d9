// Package migrations embeds the development schema of the facilities relation.
// Production deployments own that schema; the pipeline only reads it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
