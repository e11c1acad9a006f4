// Package migrations embeds the versioned SQL migrations for the lyric store.
package migrations

import "embed"

// FS contains all SQL migration files embedded at compile time.
//
//go:embed *.sql
var FS embed.FS
