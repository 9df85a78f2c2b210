// Package pgtest connects tests to the PostgreSQL (PostGIS) instance named
// by the TEST_DATABASE environment variable.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// EnvVar holds the connection string used by database tests.
const EnvVar = "TEST_DATABASE"

// Connect creates a new database connection for testing. The test is skipped
// when TEST_DATABASE is not set or the server cannot install PostGIS.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	t.Helper()
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})
	RequireExtension(ctx, t, conn, "postgis")
	return conn
}

// RequireExtension skips the test unless the server can install the named
// extension.
func RequireExtension(ctx context.Context, t testing.TB, conn *pgx.Conn, name string) {
	t.Helper()
	var available bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_available_extensions WHERE name = $1)", name).Scan(&available)
	require.NoError(t, err)
	if !available {
		t.Skipf("extension %s not available on the test server", name)
	}
}

// Close safely closes a database connection
func Close(t testing.TB, conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}

// ParseConfig returns a test connection config that forwards server notices
// to the test log.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	t.Helper()
	connString := os.Getenv(EnvVar)
	if connString == "" {
		t.Skipf("%s not set", EnvVar)
	}

	config, err := pgx.ParseConfig(connString)
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}
	return config
}

// Truncate empties the given tables.
func Truncate(ctx context.Context, t testing.TB, conn *pgx.Conn, tables ...string) {
	t.Helper()
	for _, table := range tables {
		_, err := conn.Exec(ctx, "TRUNCATE "+pgx.Identifier{table}.Sanitize())
		require.NoError(t, err)
	}
}
