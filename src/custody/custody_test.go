package custody

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/daget/src/data/datatest"
	"github.com/stake-plus/daget/src/types"
)

const devPhrase = "bottom drive obey lake curtain smoke basket hold race lonely fit walk"

func mustHex32(t *testing.T, s string) [32]byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	var out [32]byte
	copy(out[:], b)
	return out
}

func TestMiniSecretFromMnemonicMatchesSubstrate(t *testing.T) {
	secret, err := MiniSecretFromMnemonic(devPhrase)
	require.NoError(t, err)
	assert.Equal(t, "fac7959dbfe72f052e5a0c3c8d6530f202b02fd8f9f5ca3580ec8deb7797479e", hex.EncodeToString(secret))

	pub, err := PublicKey(secret)
	require.NoError(t, err)
	assert.Equal(t, "46ebddef8cd9bb167dc30878d7113b7e168e6f0646beffd77d69d39bad76b47a", hex.EncodeToString(pub[:]))
	assert.Equal(t, "5DfhGyQdFobKM8NsWvEeAKk5EQQgYe9AydgJ7rMB6E1EqRzV", EncodeSS58(pub, 42))
}

func TestMiniSecretFromMnemonicRejectsGarbage(t *testing.T) {
	_, err := MiniSecretFromMnemonic("bottom drive obey lake curtain smoke basket hold race lonely fit fit")
	assert.Error(t, err)
}

func TestMiniSecretFromHex(t *testing.T) {
	secret, err := MiniSecretFromHex("0xfac7959dbfe72f052e5a0c3c8d6530f202b02fd8f9f5ca3580ec8deb7797479e")
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	_, err = MiniSecretFromHex("0xabcd")
	assert.Error(t, err)
	_, err = MiniSecretFromHex("zz")
	assert.Error(t, err)
}

func TestSS58RoundTrip(t *testing.T) {
	alice := mustHex32(t, "d43593c715fdd31c61141abd04a99fd6822c8558854ccde39a5684e7a56da27d")
	assert.Equal(t, "5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQY", EncodeSS58(alice, 42))
	assert.Equal(t, "15oF4uVJwmo4TdGW7VfQxNLavjCXviqxT9S1MgbjMNHr6Sp5", EncodeSS58(alice, 0))

	for _, prefix := range []uint16{0, 2, 42, 63, 64, 255, 1284, 16383} {
		pub, got, err := DecodeSS58(EncodeSS58(alice, prefix))
		require.NoError(t, err, "prefix %d", prefix)
		assert.Equal(t, alice, pub)
		assert.Equal(t, prefix, got)
	}

	_, _, err := DecodeSS58("5GrwvaEF5zXb26Fz9rcQpDWS57CtERHpNehXCPcNoHGKutQZ")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, _, err = DecodeSS58("not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSignVerify(t *testing.T) {
	secret, err := MiniSecretFromMnemonic(devPhrase)
	require.NoError(t, err)
	pub, err := PublicKey(secret)
	require.NoError(t, err)

	sig, err := Sign(secret, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, Verify(pub, []byte("payload"), sig))
	assert.False(t, Verify(pub, []byte("other"), sig))
}

func TestSecretKeyWipe(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	k := NewSecretKey(buf)
	k.Wipe()
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
	assert.NotPanics(t, k.Wipe)
}

func newVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(datatest.NewDB(t), []byte(strings.Repeat("k", 32)), 42)
	require.NoError(t, err)
	return v
}

func TestVaultImportAndDecrypt(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()

	w, err := v.ImportWallet(ctx, devPhrase)
	require.NoError(t, err)
	assert.Equal(t, "5DfhGyQdFobKM8NsWvEeAKk5EQQgYe9AydgJ7rMB6E1EqRzV", w.Address)
	assert.NotContains(t, string(w.Ciphertext), "\xfa\xc7\x95\x9d")

	addr, err := v.Address(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Address, addr)

	var seen []byte
	err = v.WithDecryptedKey(ctx, w.ID, func(secret []byte) error {
		assert.Equal(t, "fac7959dbfe72f052e5a0c3c8d6530f202b02fd8f9f5ca3580ec8deb7797479e", hex.EncodeToString(secret))
		seen = secret
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), seen)
}

func TestVaultWipesOnErrorAndPanic(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	w, _, err := v.CreateWallet(ctx)
	require.NoError(t, err)

	var seen []byte
	boom := errors.New("boom")
	err = v.WithDecryptedKey(ctx, w.ID, func(secret []byte) error {
		seen = secret
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, make([]byte, 32), seen)

	seen = nil
	assert.Panics(t, func() {
		_ = v.WithDecryptedKey(ctx, w.ID, func(secret []byte) error {
			seen = secret
			panic("signer crashed")
		})
	})
	assert.Equal(t, make([]byte, 32), seen)
}

func TestVaultRejectsTamperedRows(t *testing.T) {
	v := newVault(t)
	ctx := context.Background()
	a, err := v.ImportWallet(ctx, devPhrase)
	require.NoError(t, err)
	b, _, err := v.CreateWallet(ctx)
	require.NoError(t, err)

	// ciphertext moved to another row no longer authenticates
	require.NoError(t, v.db.Model(&types.Wallet{}).Where("id = ?", b.ID).
		Updates(map[string]any{"nonce": a.Nonce, "ciphertext": a.Ciphertext}).Error)
	err = v.WithDecryptedKey(ctx, b.ID, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrSealedKey)

	err = v.WithDecryptedKey(ctx, "missing", func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrWalletNotFound)

	_, err = v.ImportWallet(ctx, devPhrase)
	assert.Error(t, err)
}

func TestNewVaultKeyLength(t *testing.T) {
	_, err := NewVault(nil, []byte("short"), 0)
	assert.Error(t, err)
}
