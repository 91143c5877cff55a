// Package util holds small helpers shared across the service.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns an opaque random identifier, optionally namespaced with a
// prefix ("usr_...", "shr_..."). 128 bits of crypto/rand entropy, so ids are
// safe to hand out as unguessable credentials.
func NewID(prefix string) string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	id := hex.EncodeToString(raw[:])
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
