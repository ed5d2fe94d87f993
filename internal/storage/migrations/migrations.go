// Package migrations embeds the goose SQL migrations for the participant registry.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
