// Package testdb provides an in-memory sqlite fixture for repository and
// service tests. Schema is derived from the bun models, so tests stay in sync
// with the entities without replaying SQL migrations.
package testdb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/gavelworks/gavel/internal/database"
	"github.com/gavelworks/gavel/internal/entity"
)

var models = []any{
	(*entity.Auction)(nil),
	(*entity.Bid)(nil),
	(*entity.Order)(nil),
	(*entity.Wallet)(nil),
	(*entity.CashLog)(nil),
	(*entity.Payment)(nil),
	(*entity.Refund)(nil),
	(*entity.OutboxRecord)(nil),
}

// New opens a fresh in-memory database with the full schema. A single
// connection keeps transactions serialized the way the production row locks
// would.
func New(t *testing.T) *database.Connections {
	t.Helper()

	sqldb, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// One connection: the in-memory database lives on it, and transactions
	// serialize the way production row locks would.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			t.Fatalf("create table for %T: %v", model, err)
		}
	}

	return &database.Connections{Writer: db, Reader: db}
}
