// Package daemon talks JSON-RPC to the Ulord coin daemon. The daemon is
// bitcoind-derived but its template carries extra fields, so calls go
// through RawRequest instead of the typed btcd wrappers.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/rpcclient"

	"github.com/ulordpool/gusp/internal/chain"
	"github.com/ulordpool/gusp/pkg/circuit"
	"github.com/ulordpool/gusp/pkg/errors"
	"github.com/ulordpool/gusp/pkg/log"
	"github.com/ulordpool/gusp/pkg/retry"
)

// Config holds daemon connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Client wraps the daemon's JSON-RPC interface with retry and circuit
// breaker protection.
type Client struct {
	client         *rpcclient.Client
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger

	// hasSubmitMethod caches whether the daemon supports submitblock.
	// Old daemons only accept blocks through getblocktemplate mode=submit.
	submitMu        sync.RWMutex
	hasSubmitMethod bool
	submitProbed    bool
}

// BlockInfo is the subset of getblock output the pool needs to confirm a
// submitted block.
type BlockInfo struct {
	Hash          string   `json:"hash"`
	Confirmations int64    `json:"confirmations"`
	Height        int64    `json:"height"`
	Tx            []string `json:"tx"`
}

// templateRequest mirrors the capabilities the pool asks for.
var templateRequest = map[string]any{
	"capabilities": []string{"coinbasetxn", "workid", "coinbase/append"},
}

// NewClient creates a daemon client. The connection is HTTP POST without
// TLS, matching a locally run daemon.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}

	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "rpc_client_creation",
			"failed to create daemon RPC client").
			WithContext("host", cfg.Host).
			WithContext("port", cfg.Port)
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         10 * time.Second,
		ResetTimeout:    30 * time.Second,
	}

	return &Client{
		client:         client,
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
		logger:         logger.WithComponent("daemon"),
	}, nil
}

// Close shuts down the RPC client.
func (c *Client) Close() {
	c.client.Shutdown()
}

func marshalParams(params ...any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(params))
	for i, p := range params {
		data, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// GetBlockTemplate fetches a fresh block template.
func (c *Client) GetBlockTemplate(ctx context.Context) (*chain.RawTemplate, error) {
	params, err := marshalParams(templateRequest)
	if err != nil {
		return nil, err
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*chain.RawTemplate, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*chain.RawTemplate, error) {
			result, err := c.client.RawRequest("getblocktemplate", params)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "get_block_template",
					"failed to retrieve block template")
			}

			var tpl chain.RawTemplate
			if err := json.Unmarshal(result, &tpl); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "get_block_template",
					"failed to decode block template")
			}
			if err := tpl.Validate(); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "get_block_template",
					"daemon returned an unusable template")
			}
			return &tpl, nil
		})
	})
}

// DetectSubmitMethod probes whether the daemon knows submitblock. The probe
// sends an empty call and inspects the error: "Method not found" means
// blocks must be pushed through getblocktemplate mode=submit instead.
func (c *Client) DetectSubmitMethod(ctx context.Context) error {
	_, err := c.client.RawRequest("submitblock", nil)

	hasMethod := true
	if err != nil && strings.Contains(err.Error(), "Method not found") {
		hasMethod = false
	}

	c.submitMu.Lock()
	c.hasSubmitMethod = hasMethod
	c.submitProbed = true
	c.submitMu.Unlock()

	c.logger.Info("detected block submission method",
		"submitblock", hasMethod)
	return nil
}

// HasSubmitMethod reports the probed submission method. Defaults to
// submitblock when the probe has not run.
func (c *Client) HasSubmitMethod() bool {
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()
	if !c.submitProbed {
		return true
	}
	return c.hasSubmitMethod
}

// SubmitBlock pushes a serialized block to the daemon. Submission is
// time-critical so it retries at most once.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) error {
	var method string
	var callParams []any
	if c.HasSubmitMethod() {
		method = "submitblock"
		callParams = []any{blockHex}
	} else {
		method = "getblocktemplate"
		callParams = []any{map[string]string{"mode": "submit", "data": blockHex}}
	}

	params, err := marshalParams(callParams...)
	if err != nil {
		return err
	}

	submitConfig := &retry.Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  1.5,
		Jitter:      false,
	}

	return c.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, submitConfig, func() error {
			result, err := c.client.RawRequest(method, params)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeDaemon, "submit_block",
					"failed to submit block").
					WithContext("method", method)
			}
			if err := checkSubmitResult(result); err != nil {
				return err
			}

			c.logger.Info("block submitted", "method", method)
			return nil
		})
	})
}

// checkSubmitResult interprets the submitblock response. A null result means
// accepted; any string is the daemon's rejection reason.
func checkSubmitResult(result json.RawMessage) error {
	if len(result) == 0 || string(result) == "null" {
		return nil
	}

	var reason string
	if err := json.Unmarshal(result, &reason); err != nil {
		return nil
	}
	if reason == "" {
		return nil
	}
	return errors.New(errors.ErrorTypeDaemon, "submit_block",
		"daemon rejected the block").
		WithContext("reason", reason)
}

// GetBlock fetches block details by hash.
func (c *Client) GetBlock(ctx context.Context, hash string) (*BlockInfo, error) {
	params, err := marshalParams(hash)
	if err != nil {
		return nil, err
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (*BlockInfo, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (*BlockInfo, error) {
			result, err := c.client.RawRequest("getblock", params)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "get_block",
					"failed to retrieve block").
					WithContext("block_hash", hash)
			}

			var info BlockInfo
			if err := json.Unmarshal(result, &info); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeDaemon, "get_block",
					"failed to decode block")
			}
			return &info, nil
		})
	})
}

// ValidateAddress asks the daemon whether an address is valid on its chain.
func (c *Client) ValidateAddress(ctx context.Context, address string) (bool, error) {
	params, err := marshalParams(address)
	if err != nil {
		return false, err
	}

	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (bool, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (bool, error) {
			result, err := c.client.RawRequest("validateaddress", params)
			if err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeDaemon, "validate_address",
					"failed to validate address").
					WithContext("address", address)
			}

			var out struct {
				IsValid bool `json:"isvalid"`
			}
			if err := json.Unmarshal(result, &out); err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeDaemon, "validate_address",
					"failed to decode validateaddress result")
			}
			return out.IsValid, nil
		})
	})
}

// GetInfo checks daemon connectivity and returns the reported block height.
func (c *Client) GetInfo(ctx context.Context) (int64, error) {
	return circuit.ExecuteWithResult(ctx, c.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, c.retryConfig, func() (int64, error) {
			result, err := c.client.RawRequest("getinfo", nil)
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeDaemon, "get_info",
					"daemon connectivity check failed")
			}

			var out struct {
				Blocks int64 `json:"blocks"`
			}
			if err := json.Unmarshal(result, &out); err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeDaemon, "get_info",
					"failed to decode getinfo result")
			}
			return out.Blocks, nil
		})
	})
}
