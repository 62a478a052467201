package substrate

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"golang.org/x/crypto/blake2b"
)

const (
	signedV4      = 0x84
	addressID     = 0x00
	sigSr25519    = 0x01
	immortalEra   = 0x00
	optionNone    = 0x00
	modeDisabled  = 0x00
	maxRawPayload = 256
)

type extensionParams struct {
	Nonce       uint64
	Tip         uint64
	SpecVersion uint32
	TxVersion   uint32
	Genesis     types.Hash
}

// encodeExtensions returns the extra (sent with the extrinsic) and additional (signed
// only) bytes for the runtime's signed extensions. Transfers are immortal, so the
// mortality checkpoint is the genesis hash.
func encodeExtensions(ids []string, p extensionParams) (extra, additional []byte, err error) {
	var ex, ad bytes.Buffer
	for _, id := range ids {
		switch id {
		case "CheckNonZeroSender", "CheckWeight", "PrevalidateAttests", "CheckNonKeylessSender",
			"StorageWeightReclaim", "CheckInherents":
		case "CheckSpecVersion":
			ad.Write(u32(p.SpecVersion))
		case "CheckTxVersion":
			ad.Write(u32(p.TxVersion))
		case "CheckGenesis":
			ad.Write(p.Genesis[:])
		case "CheckMortality", "CheckEra":
			ex.WriteByte(immortalEra)
			ad.Write(p.Genesis[:])
		case "CheckNonce":
			b, err := compact(p.Nonce)
			if err != nil {
				return nil, nil, err
			}
			ex.Write(b)
		case "ChargeTransactionPayment":
			b, err := compact(p.Tip)
			if err != nil {
				return nil, nil, err
			}
			ex.Write(b)
		case "ChargeAssetTxPayment":
			b, err := compact(p.Tip)
			if err != nil {
				return nil, nil, err
			}
			ex.Write(b)
			ex.WriteByte(optionNone)
		case "CheckMetadataHash":
			ex.WriteByte(modeDisabled)
			ad.WriteByte(optionNone)
		default:
			return nil, nil, fmt.Errorf("unsupported signed extension %q", id)
		}
	}
	return ex.Bytes(), ad.Bytes(), nil
}

// signingPayload is what the sender signs: the call, extra and additional data, hashed
// when longer than 256 bytes.
func signingPayload(method, extra, additional []byte) []byte {
	payload := make([]byte, 0, len(method)+len(extra)+len(additional))
	payload = append(payload, method...)
	payload = append(payload, extra...)
	payload = append(payload, additional...)
	if len(payload) > maxRawPayload {
		sum := blake2b.Sum256(payload)
		return sum[:]
	}
	return payload
}

// encodeSigned builds a length-prefixed v4 extrinsic signed with sr25519.
func encodeSigned(signer [32]byte, sig [64]byte, extra, method []byte) ([]byte, error) {
	var body bytes.Buffer
	body.WriteByte(signedV4)
	body.WriteByte(addressID)
	body.Write(signer[:])
	body.WriteByte(sigSr25519)
	body.Write(sig[:])
	body.Write(extra)
	body.Write(method)

	prefix, err := compact(uint64(body.Len()))
	if err != nil {
		return nil, err
	}
	return append(prefix, body.Bytes()...), nil
}

// extrinsicHash is the id explorers and author_submitExtrinsic use for an extrinsic.
func extrinsicHash(raw []byte) string {
	sum := blake2b.Sum256(raw)
	return "0x" + hex.EncodeToString(sum[:])
}

func compact(n uint64) ([]byte, error) {
	return codec.Encode(types.NewUCompactFromUInt(n))
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
