// ABOUTME: Embedded SQL migrations for the account store
// ABOUTME: Applied by the migrate runner at startup or from the CLI

package db

import "embed"

// MigrationFS embeds SQL migration files from db/migrations.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
