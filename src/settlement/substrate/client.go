// Package substrate settles claims on a Substrate chain over websocket RPC.
package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/retriever"
	regstate "github.com/centrifuge/go-substrate-rpc-client/v4/registry/state"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"

	"github.com/stake-plus/daget/src/logging"
)

// Chain is the node surface the backend needs.
type Chain interface {
	FinalizedHead(ctx context.Context) (types.Hash, uint64, error)
	BlockHash(ctx context.Context, number uint64) (types.Hash, error)
	BlockExtrinsics(ctx context.Context, hash types.Hash) ([]string, error)
	BlockEvents(hash types.Hash) ([]*parser.Event, error)
	AccountNonce(ctx context.Context, pub [32]byte, at types.Hash) (uint64, error)
	NextIndex(ctx context.Context, address string) (uint64, error)
	RuntimeVersion(ctx context.Context) (spec, tx uint32, err error)
	Call(name string, args ...interface{}) ([]byte, error)
	Extensions() []string
	Metadata() *types.Metadata
	Genesis() types.Hash
	Submit(ctx context.Context, raw []byte) error
}

// defaultExtensions is used when the node serves metadata older than v14.
var defaultExtensions = []string{
	"CheckSpecVersion", "CheckTxVersion", "CheckGenesis", "CheckMortality",
	"CheckNonce", "CheckWeight", "ChargeTransactionPayment",
}

// Client is a Chain over go-substrate-rpc-client.
type Client struct {
	api     *gsrpc.SubstrateAPI
	genesis types.Hash
	events  retriever.EventRetriever
	log     *slog.Logger

	mu   sync.RWMutex
	meta *types.Metadata
	spec uint32
}

// Dial connects to endpoint, retrying with a doubling delay.
func Dial(ctx context.Context, endpoint string, tries int, interval time.Duration, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	var c *Client
	err := withRetry(ctx, tries, interval, func() error {
		var err error
		c, err = dial(endpoint, log)
		if err != nil {
			log.Warn("substrate: connect failed", "endpoint", endpoint, "err", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("substrate: dial %s: %w", endpoint, err)
	}
	log.Info("substrate: connected", "endpoint", endpoint, "genesis", c.genesis.Hex(), "spec", c.spec)
	return c, nil
}

func dial(endpoint string, log *slog.Logger) (*Client, error) {
	api, err := gsrpc.NewSubstrateAPI(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		api.Client.Close()
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	genesis, err := api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		api.Client.Close()
		return nil, fmt.Errorf("failed to get genesis hash: %w", err)
	}
	rv, err := api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		api.Client.Close()
		return nil, fmt.Errorf("failed to get runtime version: %w", err)
	}
	events, err := retriever.NewDefaultEventRetriever(regstate.NewEventProvider(api.RPC.State), api.RPC.State)
	if err != nil {
		api.Client.Close()
		return nil, fmt.Errorf("failed to build event retriever: %w", err)
	}
	return &Client{
		api:     api,
		genesis: genesis,
		events:  events,
		log:     log,
		meta:    meta,
		spec:    uint32(rv.SpecVersion),
	}, nil
}

// rateLimitWait is the shortest pause after a node answers with a rate limit.
const rateLimitWait = 10 * time.Second

// withRetry runs fn up to tries times, doubling the delay between attempts up to 30s.
func withRetry(ctx context.Context, tries int, delay time.Duration, fn func() error) error {
	if tries <= 0 {
		tries = 1
	}
	if delay <= 0 {
		delay = 2 * time.Second
	}
	var err error
	for i := 0; i < tries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == tries-1 {
			break
		}
		wait := delay
		if logging.IsRateLimit(err) && wait < rateLimitWait {
			wait = rateLimitWait
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
	return err
}

func (c *Client) Close() {
	c.api.Client.Close()
}

func (c *Client) Genesis() types.Hash { return c.genesis }

func (c *Client) Metadata() *types.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

func (c *Client) FinalizedHead(ctx context.Context) (types.Hash, uint64, error) {
	hash, err := c.api.RPC.Chain.GetFinalizedHead()
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("finalized head: %w", err)
	}
	header, err := c.api.RPC.Chain.GetHeader(hash)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("header %s: %w", hash.Hex(), err)
	}
	return hash, uint64(header.Number), nil
}

func (c *Client) BlockHash(ctx context.Context, number uint64) (types.Hash, error) {
	return c.api.RPC.Chain.GetBlockHash(number)
}

// BlockExtrinsics returns the hex encoded extrinsics of a block without decoding them.
func (c *Client) BlockExtrinsics(ctx context.Context, hash types.Hash) ([]string, error) {
	var res struct {
		Block struct {
			Extrinsics []string `json:"extrinsics"`
		} `json:"block"`
	}
	if err := c.api.Client.CallContext(ctx, &res, "chain_getBlock", hash.Hex()); err != nil {
		return nil, fmt.Errorf("chain_getBlock %s: %w", hash.Hex(), err)
	}
	return res.Block.Extrinsics, nil
}

func (c *Client) BlockEvents(hash types.Hash) ([]*parser.Event, error) {
	return c.events.GetEvents(hash)
}

func (c *Client) AccountNonce(ctx context.Context, pub [32]byte, at types.Hash) (uint64, error) {
	key, err := types.CreateStorageKey(c.Metadata(), "System", "Account", pub[:])
	if err != nil {
		return 0, fmt.Errorf("account key: %w", err)
	}
	var info types.AccountInfo
	ok, err := c.api.RPC.State.GetStorage(key, &info, at)
	if err != nil {
		return 0, fmt.Errorf("account info: %w", err)
	}
	if !ok {
		return 0, nil
	}
	return uint64(info.Nonce), nil
}

// NextIndex is the next nonce for address counting transactions still in the pool.
func (c *Client) NextIndex(ctx context.Context, address string) (uint64, error) {
	var n uint64
	if err := c.api.Client.CallContext(ctx, &n, "system_accountNextIndex", address); err != nil {
		return 0, fmt.Errorf("system_accountNextIndex: %w", err)
	}
	return n, nil
}

// RuntimeVersion also refreshes the metadata after a runtime upgrade.
func (c *Client) RuntimeVersion(ctx context.Context) (uint32, uint32, error) {
	rv, err := c.api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return 0, 0, fmt.Errorf("runtime version: %w", err)
	}
	spec := uint32(rv.SpecVersion)
	c.mu.RLock()
	stale := spec != c.spec
	c.mu.RUnlock()
	if stale {
		meta, err := c.api.RPC.State.GetMetadataLatest()
		if err != nil {
			return 0, 0, fmt.Errorf("refresh metadata: %w", err)
		}
		c.mu.Lock()
		c.meta, c.spec = meta, spec
		c.mu.Unlock()
		c.log.Info("substrate: runtime upgraded, metadata refreshed", "spec", spec)
	}
	return spec, uint32(rv.TransactionVersion), nil
}

// Call returns the SCALE encoded call.
func (c *Client) Call(name string, args ...interface{}) ([]byte, error) {
	call, err := types.NewCall(c.Metadata(), name, args...)
	if err != nil {
		return nil, err
	}
	return codec.Encode(call)
}

// Extensions lists the signed extension identifiers in runtime order.
func (c *Client) Extensions() []string {
	meta := c.Metadata()
	if meta == nil || meta.Version < 14 {
		return defaultExtensions
	}
	ids := make([]string, 0, len(meta.AsMetadataV14.Extrinsic.SignedExtensions))
	for _, ext := range meta.AsMetadataV14.Extrinsic.SignedExtensions {
		ids = append(ids, string(ext.Identifier))
	}
	return ids
}

func (c *Client) Submit(ctx context.Context, raw []byte) error {
	var hash string
	return c.api.Client.CallContext(ctx, &hash, "author_submitExtrinsic", codec.HexEncodeToString(raw))
}
