// Package migrations embeds the goose SQL migrations so the migrate command
// and integration tests apply the same schema without a checkout.
package migrations

import "embed"

// FS holds the *.sql migrations at its root.
//
//go:embed *.sql
var FS embed.FS
