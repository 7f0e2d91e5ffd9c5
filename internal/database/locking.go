package database

import (
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// SupportsSelectForUpdate reports whether the connected dialect implements
// SELECT ... FOR UPDATE. SQLite serializes writers at the file level, so the
// clause is omitted there.
func SupportsSelectForUpdate(db *bun.DB) bool {
	return db.Dialect().Name() != dialect.SQLite
}
