package daemon

import (
	"context"
	"encoding/hex"
	"fmt"
	"syscall"

	zmq "github.com/pebbe/zmq4"

	"github.com/ulordpool/gusp/internal/chain"
	"github.com/ulordpool/gusp/pkg/log"
)

// hashBlockTopic is the daemon's ZMQ topic for new chain tips.
const hashBlockTopic = "hashblock"

// BlockNotifier subscribes to the daemon's ZMQ block notifications so the
// pool learns about new tips without waiting for the next template poll.
type BlockNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *log.Logger
}

// NewBlockNotifier creates a notifier for the given ZMQ endpoint.
func NewBlockNotifier(endpoint string, logger *log.Logger) (*BlockNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &BlockNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
	}, nil
}

// Connect connects and subscribes to block hash notifications.
func (n *BlockNotifier) Connect() error {
	if err := n.socket.SetSubscribe(hashBlockTopic); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", hashBlockTopic, err)
	}
	if err := n.socket.Connect(n.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", n.endpoint, err)
	}
	n.logger.Info("listening for block notifications", "endpoint", n.endpoint)
	return nil
}

// Listen delivers new block hashes to the handler until the context ends.
func (n *BlockNotifier) Listen(ctx context.Context, onNewBlock func(blockHash string)) error {
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("block notifier stopping")
			return ctx.Err()
		default:
		}

		msg, err := n.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue
			}
			n.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}

		hash, err := parseHashBlockMessage(msg)
		if err != nil {
			n.logger.WithError(err).Warn("discarding ZMQ message")
			continue
		}

		n.logger.Debug("block notification", "hash", hash)
		onNewBlock(hash)
	}
}

// parseHashBlockMessage extracts the big-endian block hash from a multipart
// notification. The daemon sends the hash in internal byte order.
func parseHashBlockMessage(msg [][]byte) (string, error) {
	if len(msg) < 2 {
		return "", fmt.Errorf("malformed notification of %d parts", len(msg))
	}
	if topic := string(msg[0]); topic != hashBlockTopic {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	if len(msg[1]) != 32 {
		return "", fmt.Errorf("invalid block hash length %d", len(msg[1]))
	}
	return hex.EncodeToString(chain.ReverseBytes(msg[1])), nil
}

// Close closes the ZMQ socket.
func (n *BlockNotifier) Close() error {
	if n.socket != nil {
		return n.socket.Close()
	}
	return nil
}
