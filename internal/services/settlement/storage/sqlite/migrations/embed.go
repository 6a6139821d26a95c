// Package migrations contains embedded SQL migrations for the settlement store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
