package database

import (
	"context"
	"database/sql"

	"github.com/uptrace/bun"
)

// RunInTx runs fn as one atomic unit of work on the writer connection.
// Every write fn performs through the supplied tx commits or rolls back
// together; row locks taken inside are released at the boundary.
func (c *Connections) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return c.Writer.RunInTx(ctx, &sql.TxOptions{}, fn)
}
