package custody

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ChainSafe/go-schnorrkel"
	"github.com/cosmos/go-bip39"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"
)

// MiniSecretSize is the length of an sr25519 mini secret.
const MiniSecretSize = 32

var ErrInvalidAddress = errors.New("custody: invalid ss58 address")

// NewMnemonic returns a fresh 24 word bip39 phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// MiniSecretFromMnemonic derives the substrate mini secret: PBKDF2-SHA512 over the
// mnemonic entropy (not the bip39 seed), salt "mnemonic", 2048 rounds.
func MiniSecretFromMnemonic(mnemonic string) ([]byte, error) {
	phrase := strings.Join(strings.Fields(mnemonic), " ")
	packed, err := bip39.MnemonicToByteArray(phrase)
	if err != nil {
		return nil, fmt.Errorf("invalid seed phrase: %w", err)
	}
	bits := len(strings.Fields(phrase)) * 11
	checksumBits := bits % 32
	n := new(big.Int).SetBytes(packed)
	n.Rsh(n, uint(checksumBits))
	entropy := n.FillBytes(make([]byte, (bits-checksumBits)/8))
	defer wipe(entropy)

	seed := pbkdf2.Key(entropy, []byte("mnemonic"), 2048, 64, sha512.New)
	secret := make([]byte, MiniSecretSize)
	copy(secret, seed[:MiniSecretSize])
	wipe(seed)
	return secret, nil
}

// MiniSecretFromHex parses a 0x-prefixed or bare hex mini secret.
func MiniSecretFromHex(hexKey string) ([]byte, error) {
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hex key: %w", err)
	}
	if len(keyBytes) != MiniSecretSize {
		wipe(keyBytes)
		return nil, fmt.Errorf("invalid key length: expected 32 bytes, got %d", len(keyBytes))
	}
	return keyBytes, nil
}

// expand derives the signing key. schnorrkel keeps the expanded scalar and nonce in
// unexported fields with no way to clear them, so callers must not hold the result past
// the WithDecryptedKey callback that supplied secret.
func expand(secret []byte) (*schnorrkel.SecretKey, error) {
	if len(secret) != MiniSecretSize {
		return nil, fmt.Errorf("invalid key length: expected 32 bytes, got %d", len(secret))
	}
	var raw [MiniSecretSize]byte
	copy(raw[:], secret)
	defer wipe(raw[:])
	mini, err := schnorrkel.NewMiniSecretKeyFromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("create mini secret key: %w", err)
	}
	return mini.ExpandEd25519(), nil
}

// PublicKey returns the sr25519 public key of a mini secret.
func PublicKey(secret []byte) ([32]byte, error) {
	sk, err := expand(secret)
	if err != nil {
		return [32]byte{}, err
	}
	pub, err := sk.Public()
	if err != nil {
		return [32]byte{}, fmt.Errorf("get public key: %w", err)
	}
	return pub.Encode(), nil
}

// Sign produces an sr25519 signature in the "substrate" signing context.
func Sign(secret, message []byte) ([64]byte, error) {
	sk, err := expand(secret)
	if err != nil {
		return [64]byte{}, err
	}
	sig, err := sk.Sign(schnorrkel.NewSigningContext([]byte("substrate"), message))
	if err != nil {
		return [64]byte{}, fmt.Errorf("sign message: %w", err)
	}
	return sig.Encode(), nil
}

// Verify checks an sr25519 signature against a public key.
func Verify(pub [32]byte, message []byte, sig [64]byte) bool {
	var pk schnorrkel.PublicKey
	if err := pk.Decode(pub); err != nil {
		return false
	}
	var s schnorrkel.Signature
	if err := s.Decode(sig); err != nil {
		return false
	}
	ok, err := pk.Verify(&s, schnorrkel.NewSigningContext([]byte("substrate"), message))
	return err == nil && ok
}

// EncodeSS58 renders a public key as an SS58 address for the network prefix.
func EncodeSS58(pub [32]byte, prefix uint16) string {
	ident := ss58Prefix(prefix)
	payload := make([]byte, 0, len(ident)+32+2)
	payload = append(payload, ident...)
	payload = append(payload, pub[:]...)
	checksum := ss58Checksum(payload)
	payload = append(payload, checksum[0:2]...)
	return base58.Encode(payload)
}

// DecodeSS58 returns the public key inside an SS58 address after checking its checksum.
func DecodeSS58(addr string) ([32]byte, uint16, error) {
	var pub [32]byte
	raw, err := base58.Decode(addr)
	if err != nil || len(raw) < 35 {
		return pub, 0, ErrInvalidAddress
	}
	identLen := 1
	prefix := uint16(raw[0])
	if raw[0]&0x40 != 0 {
		identLen = 2
		// two byte form: 6 low bits of the first byte are bits 2..7, see ss58Prefix
		lower := (raw[0]<<2)&0xfc | raw[1]>>6
		upper := raw[1] & 0x3f
		prefix = uint16(lower) | uint16(upper)<<8
	}
	if len(raw) != identLen+32+2 {
		return pub, 0, ErrInvalidAddress
	}
	sum := ss58Checksum(raw[:identLen+32])
	if sum[0] != raw[identLen+32] || sum[1] != raw[identLen+33] {
		return pub, 0, ErrInvalidAddress
	}
	copy(pub[:], raw[identLen:identLen+32])
	return pub, prefix, nil
}

func ss58Prefix(prefix uint16) []byte {
	if prefix < 64 {
		return []byte{byte(prefix)}
	}
	return []byte{
		byte((prefix&0x00fc)>>2) | 0x40,
		byte(prefix>>8) | byte((prefix&0x0003)<<6),
	}
}

func ss58Checksum(data []byte) []byte {
	h, _ := blake2b.New512(nil)
	h.Write([]byte("SS58PRE"))
	h.Write(data)
	return h.Sum(nil)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
