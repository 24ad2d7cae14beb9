package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var idFallbackSeq atomic.Uint64

// NewID returns a 24-character hex identifier, used for request ids and
// queue consumer names.
func NewID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the process is in bad shape, but ids
		// here only need uniqueness, so fall back to clock plus counter.
		return fmt.Sprintf("%x-%x", time.Now().UnixNano(), idFallbackSeq.Add(1))
	}
	return hex.EncodeToString(b)
}
