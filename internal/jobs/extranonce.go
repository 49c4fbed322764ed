// Package jobs tracks active mining jobs and validates submitted shares.
package jobs

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/ulordpool/gusp/internal/chain"
)

// ExtraNonceSize is the per-session extranonce size in bytes. Together with
// the 4-byte extranonce2 it fills the header's 32-byte nonce field.
const ExtraNonceSize = 28

// ExtraNonceCounter hands out unique session extranonces. Values are random
// rather than sequential so that restarts cannot reissue work ranges.
type ExtraNonceCounter struct{}

// Next returns a fresh extranonce in little-endian wire order.
func (c *ExtraNonceCounter) Next() string {
	for {
		buf := make([]byte, ExtraNonceSize)
		if _, err := rand.Read(buf); err != nil {
			continue
		}
		encoded := hex.EncodeToString(chain.ReverseBytes(buf))
		if len(encoded) == ExtraNonceSize*2 {
			return encoded
		}
	}
}

// Size returns the extranonce size in bytes.
func (c *ExtraNonceCounter) Size() int {
	return ExtraNonceSize
}

// JobCounter issues hex job ids, wrapping before 0xffff.
type JobCounter struct {
	mu      sync.Mutex
	counter uint64
}

// Next advances the counter and returns the new job id.
func (c *JobCounter) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	if c.counter%0xffff == 0 {
		c.counter = 1
	}
	return strconv.FormatUint(c.counter, 16)
}

// Current returns the latest issued id, or "" when none has been issued.
func (c *JobCounter) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counter == 0 {
		return ""
	}
	return strconv.FormatUint(c.counter, 16)
}
