// Package db embeds the ledger schema.
package db

import _ "embed"

// Schema holds the idempotent DDL for every ledger table.
//
//go:embed migrations/001_schema.sql
var Schema string
