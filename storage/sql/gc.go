package sql

import (
	"context"
	"time"

	"github.com/authrim/authrim/storage"
)

// GarbageCollect currently has nothing durable to sweep: every record with
// an expiry (codes, challenges, device codes, PAR requests, revocations,
// refresh-token families) lives in ephemeral.Store and expires there.
// Kept as a no-op so the relational backend satisfies storage.Storage.
func (c *conn) GarbageCollect(_ context.Context, _ time.Time) (storage.GCResult, error) {
	return storage.GCResult{}, nil
}
