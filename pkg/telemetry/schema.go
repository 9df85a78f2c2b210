package telemetry

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/edgeflare/scoot/pkg/db"
)

// Schema creates the PostGIS extension, the three telemetry tables and the
// read views. Every statement is idempotent.
//
//go:embed schema.sql
var Schema string

// Tables lists the tables written by Ingest.
var Tables = []string{"general_info", "battery_info", "location_info"}

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, conn db.Conn) error {
	if _, err := conn.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply telemetry schema: %w", err)
	}
	return nil
}
