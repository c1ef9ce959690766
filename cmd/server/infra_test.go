package main

import (
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLDSN_ForcesParseTime(t *testing.T) {
	dsn, err := mysqlDSN("root:root@tcp(localhost:3306)/stockledger")
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, "stockledger", cfg.DBName)
	assert.Equal(t, "localhost:3306", cfg.Addr)

	_, err = mysqlDSN("root:root@tcp(localhost:3306")
	require.Error(t, err)
}
