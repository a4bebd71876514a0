// Package migrations embeds the Postgres schema for the checkpoint chain and
// the published-manifest store.
package migrations

import "embed"

// Files holds every NNN_name.{up,down}.sql migration.
//
//go:embed *.sql
var Files embed.FS
