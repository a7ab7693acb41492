// Package store defines the snapshot persistence contract for the cron core.
// A backend holds one opaque snapshot per bot namespace; the cron service owns
// the envelope format and treats the backend as a dumb byte sink.
package store

import "context"

// Backend persists the serialized job snapshot for a single bot namespace.
type Backend interface {
	// Load returns the current snapshot. ok is false when no snapshot exists
	// yet; that is not an error.
	Load(ctx context.Context) (data []byte, ok bool, err error)

	// Save atomically replaces the snapshot. A reader must never observe a
	// partially written snapshot.
	Save(ctx context.Context, data []byte) error
}
