package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/stockledger?parseTime=true"
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMySQLAdapter_Contract(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)
	require.NoError(t, adapter.Migrate(context.Background()))

	runStoreContract(t, adapter)
}

func TestMySQLAdapter_MigrateIsIdempotent(t *testing.T) {
	db := getMySQLDB(t)
	adapter := NewMySQLAdapter(db)

	require.NoError(t, adapter.Migrate(context.Background()))
	require.NoError(t, adapter.Migrate(context.Background()))
}

func TestTranslateMySQLError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"deadlock", &mysql.MySQLError{Number: mysqlErrDeadlock}, true},
		{"lock wait timeout", &mysql.MySQLError{Number: mysqlErrLockWaitTimeout}, true},
		{"duplicate seq", &mysql.MySQLError{Number: mysqlErrDuplicateEntry}, true},
		{"syntax", &mysql.MySQLError{Number: 1064}, false},
		{"plain", errors.New("bad connection"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateMySQLError(tt.err)
			assert.Equal(t, tt.conflict, errors.Is(got, domain.ErrConcurrencyConflict))
			if !tt.conflict {
				assert.Same(t, tt.err, got)
			}
		})
	}
}

func TestPlaceholdersAndWhere(t *testing.T) {
	assert.Equal(t, "?,?,?", placeholders(3))
	assert.Equal(t, "", where(nil))
	assert.Equal(t, " WHERE a = ? AND b = ?", where([]string{"a = ?", "b = ?"}))
}
