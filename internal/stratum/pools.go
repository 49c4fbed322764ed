// Package stratum implements the login/submit stratum variant spoken by
// Ulord miners. It provides session management, message parsing, and
// connection handling for the GUSP pool engine.
package stratum

import (
	"sync"
)

// Object pools for hot path optimizations
var (
	// messagePool reuses Message structs to reduce allocations
	messagePool = sync.Pool{
		New: func() any {
			return &Message{}
		},
	}

	// bufferPool reuses byte buffers for network I/O
	bufferPool = sync.Pool{
		New: func() any {
			return make([]byte, 4096) // 4KB buffer
		},
	}
)

// GetMessage gets a Message from the pool
func GetMessage() *Message {
	msg := messagePool.Get().(*Message)
	msg.ID = nil
	msg.JSONRPC = ""
	msg.Method = ""
	msg.Params = nil
	msg.Result = nil
	msg.Error = nil
	return msg
}

// PutMessage returns a Message to the pool
func PutMessage(msg *Message) {
	if msg != nil {
		messagePool.Put(msg)
	}
}

// GetBuffer gets a byte buffer from the pool
func GetBuffer() []byte {
	return bufferPool.Get().([]byte)
}

// PutBuffer returns a byte buffer to the pool
func PutBuffer(buf []byte) {
	if buf != nil {
		bufferPool.Put(buf) //nolint:staticcheck // fixed-size slices
	}
}
