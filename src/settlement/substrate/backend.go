package substrate

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/centrifuge/go-substrate-rpc-client/v4/registry"
	"github.com/centrifuge/go-substrate-rpc-client/v4/registry/parser"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	lru "github.com/hashicorp/golang-lru"

	"github.com/stake-plus/daget/src/custody"
	"github.com/stake-plus/daget/src/settlement"
)

const (
	// NativeToken selects Balances transfers; any other token is a numeric asset id.
	NativeToken = "native"

	defaultScanDepth = 64
	indexSize        = 200_000
	// reserveWindow covers the gap between handing out a fresh nonce and the node's pool
	// reflecting the broadcast.
	reserveWindow = 30 * time.Second
)

type reservation struct {
	next uint64
	at   time.Time
}

type unsignedBody struct {
	Method      []byte
	Extensions  []string
	SpecVersion uint32
	TxVersion   uint32
	Genesis     types.Hash
	Signer      [32]byte
}

// Backend implements settlement.Backend for Balances and Assets transfers.
type Backend struct {
	chain     Chain
	scanDepth uint64
	index     *lru.Cache
	log       *slog.Logger
	now       func() time.Time

	scanMu sync.Mutex
	cursor uint64
	// floor is the lowest block in the index; blocks floor..cursor are all indexed.
	floor uint64

	nonceMu  sync.Mutex
	reserved map[[32]byte]reservation
}

func NewBackend(chain Chain, scanDepth int, log *slog.Logger) (*Backend, error) {
	if scanDepth <= 0 {
		scanDepth = defaultScanDepth
	}
	if log == nil {
		log = slog.Default()
	}
	index, err := lru.New(indexSize)
	if err != nil {
		return nil, err
	}
	return &Backend{
		chain:     chain,
		scanDepth: uint64(scanDepth),
		index:     index,
		log:       log,
		now:       time.Now,
		reserved:  make(map[[32]byte]reservation),
	}, nil
}

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", settlement.ErrPermanent, fmt.Sprintf(format, args...))
}

func (b *Backend) BuildTransfer(ctx context.Context, req settlement.TransferRequest) (settlement.UnsignedTx, error) {
	if req.Amount <= 0 {
		return settlement.UnsignedTx{}, permanent("invalid amount %d", req.Amount)
	}
	from, _, err := custody.DecodeSS58(req.From)
	if err != nil {
		return settlement.UnsignedTx{}, permanent("invalid account %q: %v", req.From, err)
	}
	to, _, err := custody.DecodeSS58(req.To)
	if err != nil {
		return settlement.UnsignedTx{}, permanent("invalid account %q: %v", req.To, err)
	}
	method, err := b.transferCall(req.Token, to, req.Amount)
	if err != nil {
		return settlement.UnsignedTx{}, err
	}
	spec, txv, err := b.chain.RuntimeVersion(ctx)
	if err != nil {
		return settlement.UnsignedTx{}, err
	}
	_, since, err := b.chain.FinalizedHead(ctx)
	if err != nil {
		return settlement.UnsignedTx{}, err
	}
	nonce, err := b.pickNonce(ctx, req.From, from, req.Previous)
	if err != nil {
		return settlement.UnsignedTx{}, err
	}
	return settlement.UnsignedTx{
		Nonce: nonce,
		Since: since,
		Body: &unsignedBody{
			Method:      method,
			Extensions:  b.chain.Extensions(),
			SpecVersion: spec,
			TxVersion:   txv,
			Genesis:     b.chain.Genesis(),
			Signer:      from,
		},
	}, nil
}

func (b *Backend) transferCall(token string, to [32]byte, amount int64) ([]byte, error) {
	dest, err := types.NewMultiAddressFromAccountID(to[:])
	if err != nil {
		return nil, permanent("invalid account: %v", err)
	}
	value := types.NewUCompactFromUInt(uint64(amount))
	if token == "" || token == NativeToken {
		return b.chain.Call("Balances.transfer_keep_alive", dest, value)
	}
	id, err := strconv.ParseUint(token, 10, 32)
	if err != nil {
		return nil, permanent("unknown asset %q", token)
	}
	return b.chain.Call("Assets.transfer_keep_alive", types.NewUCompactFromUInt(id), dest, value)
}

// pickNonce reuses the previous attempt's nonce while the finalized chain has not
// consumed it, so at most one of the two signatures can ever land.
func (b *Backend) pickNonce(ctx context.Context, address string, pub [32]byte, prev *settlement.Previous) (uint64, error) {
	if prev != nil {
		head, _, err := b.chain.FinalizedHead(ctx)
		if err != nil {
			return 0, err
		}
		finalized, err := b.chain.AccountNonce(ctx, pub, head)
		if err != nil {
			return 0, err
		}
		if prev.Nonce >= finalized {
			return prev.Nonce, nil
		}
		if prev.Since > 0 {
			if err := b.Rewind(ctx, prev.Since); err != nil {
				return 0, err
			}
		}
		conf, err := b.ConfirmationStatus(ctx, prev.Signature)
		if err != nil {
			return 0, err
		}
		switch conf.State {
		case settlement.FinalizedOK:
			return 0, fmt.Errorf("nonce %d: %w", prev.Nonce, settlement.ErrPreviousSubmissionLanded)
		case settlement.FinalizedErr:
			// spent by the failed attempt itself
		default:
			if prev.Since == 0 {
				// Without the build height the index cannot prove the signature never landed.
				return 0, fmt.Errorf("substrate: nonce %d was consumed and %s predates the scanned range", prev.Nonce, prev.Signature)
			}
			// Every block after the build height is indexed and the signature is in none
			// of them, so another extrinsic took the nonce.
			b.log.Warn("substrate: nonce consumed by another extrinsic", "nonce", prev.Nonce, "signature", prev.Signature)
		}
	}

	next, err := b.chain.NextIndex(ctx, address)
	if err != nil {
		return 0, err
	}
	b.nonceMu.Lock()
	defer b.nonceMu.Unlock()
	now := b.now()
	if r, ok := b.reserved[pub]; ok && now.Sub(r.at) < reserveWindow && r.next > next {
		next = r.next
	}
	b.reserved[pub] = reservation{next: next + 1, at: now}
	return next, nil
}

func (b *Backend) Sign(_ context.Context, tx settlement.UnsignedTx, secret []byte) (settlement.SignedTx, error) {
	body, ok := tx.Body.(*unsignedBody)
	if !ok {
		return settlement.SignedTx{}, fmt.Errorf("substrate: unexpected transaction body %T", tx.Body)
	}
	pub, err := custody.PublicKey(secret)
	if err != nil {
		return settlement.SignedTx{}, permanent("bad signing key: %v", err)
	}
	if pub != body.Signer {
		return settlement.SignedTx{}, permanent("signing key does not match sender")
	}
	extra, additional, err := encodeExtensions(body.Extensions, extensionParams{
		Nonce:       tx.Nonce,
		SpecVersion: body.SpecVersion,
		TxVersion:   body.TxVersion,
		Genesis:     body.Genesis,
	})
	if err != nil {
		return settlement.SignedTx{}, permanent("%v", err)
	}
	sig, err := custody.Sign(secret, signingPayload(body.Method, extra, additional))
	if err != nil {
		return settlement.SignedTx{}, err
	}
	raw, err := encodeSigned(pub, sig, extra, body.Method)
	if err != nil {
		return settlement.SignedTx{}, err
	}
	return settlement.SignedTx{Signature: extrinsicHash(raw), Nonce: tx.Nonce, Since: tx.Since, Raw: raw}, nil
}

func (b *Backend) Broadcast(ctx context.Context, tx settlement.SignedTx) error {
	err := b.chain.Submit(ctx, tx.Raw)
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "already imported") {
		b.log.Debug("substrate: extrinsic already in pool", "signature", tx.Signature)
		return nil
	}
	return fmt.Errorf("author_submitExtrinsic: %w", err)
}

// ConfirmationStatus scans newly finalized blocks and looks the signature up in the
// extrinsic index. Anything not found yet is pending.
func (b *Backend) ConfirmationStatus(ctx context.Context, signature string) (settlement.Confirmation, error) {
	if err := b.scan(ctx); err != nil {
		return settlement.Confirmation{}, err
	}
	if v, ok := b.index.Get(strings.ToLower(signature)); ok {
		return v.(settlement.Confirmation), nil
	}
	return settlement.Confirmation{State: settlement.Pending}, nil
}

func (b *Backend) scan(ctx context.Context) error {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()
	return b.scanLocked(ctx)
}

func (b *Backend) scanLocked(ctx context.Context) error {
	_, head, err := b.chain.FinalizedHead(ctx)
	if err != nil {
		return err
	}
	from := b.cursor + 1
	if b.cursor == 0 {
		from = 1
		if head > b.scanDepth {
			from = head - b.scanDepth + 1
		}
		b.floor = from
	}
	for n := from; n <= head; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.indexBlock(ctx, n); err != nil {
			return err
		}
		b.cursor = n
	}
	return nil
}

// Rewind extends the index back so it covers every finalized block after height. Blocks
// already indexed are not read again.
func (b *Backend) Rewind(ctx context.Context, height uint64) error {
	b.scanMu.Lock()
	defer b.scanMu.Unlock()
	if b.cursor == 0 {
		if err := b.scanLocked(ctx); err != nil {
			return err
		}
		if b.cursor == 0 {
			return nil
		}
	}
	for b.floor > height+1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := b.floor - 1
		if err := b.indexBlock(ctx, n); err != nil {
			return err
		}
		b.floor = n
	}
	return nil
}

func (b *Backend) indexBlock(ctx context.Context, number uint64) error {
	hash, err := b.chain.BlockHash(ctx, number)
	if err != nil {
		return fmt.Errorf("block hash %d: %w", number, err)
	}
	xts, err := b.chain.BlockExtrinsics(ctx, hash)
	if err != nil {
		return err
	}
	events, err := b.chain.BlockEvents(hash)
	if err != nil {
		return fmt.Errorf("events %d: %w", number, err)
	}
	outcomes := outcomesByIndex(b.chain.Metadata(), events)
	for i, xt := range xts {
		raw, err := codec.HexDecodeString(xt)
		if err != nil {
			return fmt.Errorf("block %d extrinsic %d: %w", number, i, err)
		}
		conf, ok := outcomes[uint32(i)]
		if !ok {
			continue
		}
		conf.Block = number
		b.index.Add(extrinsicHash(raw), conf)
	}
	return nil
}

func outcomesByIndex(meta *types.Metadata, events []*parser.Event) map[uint32]settlement.Confirmation {
	out := make(map[uint32]settlement.Confirmation)
	for _, ev := range events {
		if ev == nil || ev.Phase == nil || !ev.Phase.IsApplyExtrinsic {
			continue
		}
		switch ev.Name {
		case "System.ExtrinsicSuccess":
			out[ev.Phase.AsApplyExtrinsic] = settlement.Confirmation{State: settlement.FinalizedOK}
		case "System.ExtrinsicFailed":
			out[ev.Phase.AsApplyExtrinsic] = settlement.Confirmation{
				State: settlement.FinalizedErr,
				Error: dispatchError(meta, ev.Fields),
			}
		}
	}
	return out
}

// dispatchError renders a failed extrinsic's dispatch error, naming module errors as
// Pallet.Error when the metadata knows them.
func dispatchError(meta *types.Metadata, fields registry.DecodedFields) string {
	for _, f := range fields {
		if f == nil || f.Name != "dispatch_error" {
			continue
		}
		if idx, code, ok := findModuleError(f.Value); ok {
			if name := moduleErrorName(meta, idx, code); name != "" {
				return name
			}
			return fmt.Sprintf("Module error %d/%d", idx, code[0])
		}
		return fmt.Sprintf("dispatch error %v", f.Value)
	}
	return "System.ExtrinsicFailed"
}

func findModuleError(v any) (types.U8, [4]types.U8, bool) {
	fields, ok := v.(registry.DecodedFields)
	if !ok {
		return 0, [4]types.U8{}, false
	}
	var (
		idx      types.U8
		code     [4]types.U8
		hasIdx   bool
		hasError bool
	)
	for _, f := range fields {
		if f == nil {
			continue
		}
		switch f.Name {
		case "index":
			idx, hasIdx = toU8(f.Value)
		case "error":
			code, hasError = toErrorBytes(f.Value)
		}
	}
	if hasIdx && hasError {
		return idx, code, true
	}
	for _, f := range fields {
		if f == nil {
			continue
		}
		if i, c, ok := findModuleError(f.Value); ok {
			return i, c, true
		}
	}
	return 0, [4]types.U8{}, false
}

func toU8(v any) (types.U8, bool) {
	switch n := v.(type) {
	case types.U8:
		return n, true
	case uint8:
		return types.U8(n), true
	}
	return 0, false
}

func toErrorBytes(v any) ([4]types.U8, bool) {
	var out [4]types.U8
	switch b := v.(type) {
	case []any:
		for i := 0; i < len(b) && i < 4; i++ {
			u, ok := toU8(b[i])
			if !ok {
				return out, false
			}
			out[i] = u
		}
		return out, true
	case types.U8:
		out[0] = b
		return out, true
	}
	return out, false
}

func moduleErrorName(meta *types.Metadata, idx types.U8, code [4]types.U8) string {
	if meta == nil || meta.Version < 14 {
		return ""
	}
	merr, err := meta.FindError(idx, code)
	if err != nil || merr == nil {
		return ""
	}
	for _, p := range meta.AsMetadataV14.Pallets {
		if p.Index == idx {
			return string(p.Name) + "." + merr.Name
		}
	}
	return merr.Name
}

var _ settlement.Backend = (*Backend)(nil)
