package migration

import (
	"database/sql"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/gavelworks/gavel/internal/entity"
)

// Package tests create their tables from the bun models, so a column renamed
// in a model but not in the shipped DDL only surfaces on a migrated database.
// This pins every model column to the initial migration.
func TestInitSchemaCoversModelColumns(t *testing.T) {
	raw, err := os.ReadFile(filepath.Join("..", "..", migrationsDir, "00001_init_schema.sql"))
	require.NoError(t, err)
	ddl := string(raw)

	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqldb.Close() })
	db := bun.NewDB(sqldb, sqlitedialect.New())

	models := []any{
		(*entity.Auction)(nil),
		(*entity.Bid)(nil),
		(*entity.Order)(nil),
		(*entity.Wallet)(nil),
		(*entity.CashLog)(nil),
		(*entity.Payment)(nil),
		(*entity.Refund)(nil),
		(*entity.OutboxRecord)(nil),
	}
	for _, model := range models {
		table := db.Table(reflect.TypeOf(model).Elem())

		start := strings.Index(ddl, "CREATE TABLE "+table.Name+" (")
		require.GreaterOrEqual(t, start, 0, "table %s missing from migration", table.Name)
		end := strings.Index(ddl[start:], "\n);")
		require.GreaterOrEqual(t, end, 0, "unterminated CREATE TABLE for %s", table.Name)
		block := ddl[start : start+end]

		for _, field := range table.Fields {
			assert.Contains(t, block, field.Name,
				"column %s.%s missing from migration", table.Name, field.Name)
		}
	}
}
