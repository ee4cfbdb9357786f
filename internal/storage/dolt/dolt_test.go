package dolt

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcdolt "github.com/testcontainers/testcontainers-go/modules/dolt"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/storage/storagetest"
)

const doltImage = "dolthub/dolt-sql-server:1.43.0"

func TestServerConfigFromFields(t *testing.T) {
	cfg := Config{ServerMode: true, ServerPassword: "secret", ServerTLS: true}
	cfg.applyDefaults()

	mc, err := serverConfig(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "root", mc.User)
	assert.Equal(t, "secret", mc.Passwd)
	assert.Equal(t, "127.0.0.1:3307", mc.Addr)
	assert.Equal(t, "caspianwatch", mc.DBName)
	assert.Equal(t, "true", mc.TLSConfig)
	assert.True(t, mc.ParseTime)
}

func TestServerConfigFromDSN(t *testing.T) {
	cfg := Config{ServerMode: true, DSN: "caspian:pw@tcp(db.internal:3306)/reports"}
	cfg.applyDefaults()

	mc, err := serverConfig(&cfg)
	require.NoError(t, err)
	assert.Equal(t, "caspian", mc.User)
	assert.Equal(t, "db.internal:3306", mc.Addr)
	assert.Equal(t, "reports", mc.DBName)
	assert.True(t, mc.ParseTime)

	_, err = serverConfig(&Config{DSN: "not a dsn"})
	assert.Error(t, err)
}

func TestDialectErrorClassification(t *testing.T) {
	d := dialect{}
	dup := fmt.Errorf("insert: %w", &mysql.MySQLError{Number: errDupEntry, Message: "Duplicate entry"})
	assert.True(t, d.IsUniqueViolation(dup))
	assert.False(t, d.IsUniqueViolation(errors.New("boom")))

	assert.True(t, d.IsSerializationFailure(&mysql.MySQLError{Number: errLockDeadlock}))
	assert.True(t, d.IsSerializationFailure(errors.New("serialization failure: this transaction conflicts with a committed transaction")))
	assert.False(t, d.IsSerializationFailure(dup))
	assert.False(t, d.IsSerializationFailure(nil))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.True(t, isRetryableError(mysql.ErrInvalidConn))
	assert.True(t, isRetryableError(errors.New("dial tcp 127.0.0.1:3307: connect: connection refused")))
	assert.False(t, isRetryableError(&mysql.MySQLError{Number: 1045, Message: "Access denied"}))
}

func TestIsUnknownDatabase(t *testing.T) {
	assert.True(t, isUnknownDatabase(fmt.Errorf("ping: %w", &mysql.MySQLError{Number: errBadDB})))
	assert.False(t, isUnknownDatabase(&mysql.MySQLError{Number: errDupEntry}))
}

func TestIsNothingToCommit(t *testing.T) {
	assert.True(t, isNothingToCommit(errors.New("Error 1105: nothing to commit")))
	assert.False(t, isNothingToCommit(errors.New("other")))
	assert.False(t, isNothingToCommit(nil))
}

// startServer runs a dolt sql-server container and returns its DSN.
func startServer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Dolt container test in short mode")
	}
	ctx := context.Background()

	ctr, err := tcdolt.Run(ctx, doltImage,
		tcdolt.WithDatabase("caspianwatch"),
		tcdolt.WithUsername("caspian"),
		tcdolt.WithPassword("caspian"),
	)
	if err != nil {
		t.Skipf("dolt container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate dolt container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	return dsn
}

func TestServerConformance(t *testing.T) {
	dsn := startServer(t)

	// Subtests share the container's database; empty it before each one.
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		ctx := context.Background()
		s, err := New(ctx, Config{ServerMode: true, DSN: dsn})
		require.NoError(t, err)
		for _, table := range []string{"report_assignees", "reports", "identities", "categories"} {
			_, err := s.DB().ExecContext(ctx, "DELETE FROM "+table)
			require.NoError(t, err)
		}
		return s
	})
}

func TestServerAutoCommit(t *testing.T) {
	dsn := startServer(t)
	ctx := context.Background()

	s, err := New(ctx, Config{ServerMode: true, DSN: dsn, AutoCommit: true})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	assert.True(t, s.ServerMode())

	_, err = s.CreateCategory(ctx, "Oil")
	require.NoError(t, err)

	var msg string
	err = s.DB().QueryRowContext(ctx, "SELECT message FROM dolt_log LIMIT 1").Scan(&msg)
	require.NoError(t, err)
	assert.Equal(t, "create category", msg)
}
