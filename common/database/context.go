// Package database holds the timeout budget every store call runs under.
package database

import (
	"context"
	"time"
)

const (
	// DefaultQueryTimeout bounds single-row reads.
	DefaultQueryTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds single-statement writes.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultTxTimeout bounds a multi-statement transaction such as a turn commit.
	DefaultTxTimeout = 15 * time.Second

	// DefaultBulkTimeout bounds sweeps, reconciliation scans and migrations.
	DefaultBulkTimeout = 30 * time.Second
)

func QueryContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultQueryTimeout)
}

func WriteContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultWriteTimeout)
}

func TxContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultTxTimeout)
}

func BulkContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, DefaultBulkTimeout)
}
