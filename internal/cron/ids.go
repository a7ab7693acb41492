package cron

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

const (
	jobIDBytes       = 5 // 10 hex chars
	jobIDMaxAttempts = 8
)

// newJobID generates a short random hex id, retrying on collision. If every
// attempt collides it falls back to a 32-char id, which is long enough to make
// a further collision a non-concern.
func newJobID(exists func(id string) bool) string {
	for attempt := 0; attempt < jobIDMaxAttempts; attempt++ {
		id := randomHex(jobIDBytes)
		if !exists(id) {
			return id
		}
	}
	return randomHex(16)
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// newRunID identifies a single dispatch.
func newRunID() string {
	return uuid.NewString()
}
