// Package migrations embeds the PostgreSQL schema applied by `patient-queue migrate`.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
