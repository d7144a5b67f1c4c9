// Package migrations exposes embedded SQL migrations for the order store.
package migrations

import "embed"

// Files contains the embedded SQL migrations bundled into swapflow binaries.
//
//go:embed *.sql
var Files embed.FS
