// Package custody keeps campaign signing keys sealed at rest and lends them out
// only for the duration of a callback.
package custody

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/gorm"

	"github.com/stake-plus/daget/src/types"
)

var (
	ErrWalletNotFound = errors.New("custody: wallet not found")
	ErrSealedKey      = errors.New("custody: cannot open sealed key")
)

// SecretKey owns a decrypted key buffer until Wipe zeroes it.
type SecretKey struct {
	b []byte
}

func NewSecretKey(b []byte) *SecretKey { return &SecretKey{b: b} }

func (k *SecretKey) Bytes() []byte { return k.b }

// Wipe overwrites the buffer with zeros. Safe to call more than once.
func (k *SecretKey) Wipe() {
	wipe(k.b)
}

// Vault seals mini secrets with XChaCha20-Poly1305 under a master key. The wallet
// id is bound as additional data so ciphertexts cannot be swapped between rows.
type Vault struct {
	db     *gorm.DB
	master []byte
	prefix uint16
}

func NewVault(db *gorm.DB, masterKey []byte, ss58Prefix uint16) (*Vault, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("custody: master key must be %d bytes", chacha20poly1305.KeySize)
	}
	master := make([]byte, len(masterKey))
	copy(master, masterKey)
	return &Vault{db: db, master: master, prefix: ss58Prefix}, nil
}

// WithDecryptedKey decrypts the wallet's secret, hands it to fn and zeroes it when fn
// returns, fails or panics. fn must not retain the slice.
func (v *Vault) WithDecryptedKey(ctx context.Context, walletID string, fn func(secret []byte) error) error {
	var w types.Wallet
	if err := v.db.WithContext(ctx).First(&w, "id = ?", walletID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrWalletNotFound
		}
		return fmt.Errorf("custody: load wallet %s: %w", walletID, err)
	}
	aead, err := chacha20poly1305.NewX(v.master)
	if err != nil {
		return err
	}
	plain, err := aead.Open(nil, w.Nonce, w.Ciphertext, []byte(w.ID))
	if err != nil {
		return ErrSealedKey
	}
	key := NewSecretKey(plain)
	defer key.Wipe()
	return fn(key.Bytes())
}

// CreateWallet generates a new key. The mnemonic is returned once and never stored.
func (v *Vault) CreateWallet(ctx context.Context) (types.Wallet, string, error) {
	mnemonic, err := NewMnemonic()
	if err != nil {
		return types.Wallet{}, "", err
	}
	w, err := v.ImportWallet(ctx, mnemonic)
	if err != nil {
		return types.Wallet{}, "", err
	}
	return w, mnemonic, nil
}

// ImportWallet seals an existing key given as a mnemonic or a hex mini secret.
func (v *Vault) ImportWallet(ctx context.Context, secretOrPhrase string) (types.Wallet, error) {
	var (
		secret []byte
		err    error
	)
	if s := strings.TrimSpace(secretOrPhrase); strings.Contains(s, " ") {
		secret, err = MiniSecretFromMnemonic(s)
	} else {
		secret, err = MiniSecretFromHex(s)
	}
	if err != nil {
		return types.Wallet{}, err
	}
	key := NewSecretKey(secret)
	defer key.Wipe()

	pub, err := PublicKey(key.Bytes())
	if err != nil {
		return types.Wallet{}, err
	}
	w := types.Wallet{ID: uuid.NewString(), Address: EncodeSS58(pub, v.prefix)}
	if w.Nonce, w.Ciphertext, err = v.seal(w.ID, key.Bytes()); err != nil {
		return types.Wallet{}, err
	}
	if err := v.db.WithContext(ctx).Create(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return types.Wallet{}, fmt.Errorf("custody: wallet %s already imported", w.Address)
		}
		return types.Wallet{}, fmt.Errorf("custody: save wallet: %w", err)
	}
	return w, nil
}

// Address returns the SS58 address of a wallet.
func (v *Vault) Address(ctx context.Context, walletID string) (string, error) {
	var w types.Wallet
	if err := v.db.WithContext(ctx).Select("id", "address").First(&w, "id = ?", walletID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrWalletNotFound
		}
		return "", err
	}
	return w.Address, nil
}

func (v *Vault) seal(walletID string, secret []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(v.master)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, secret, []byte(walletID)), nil
}
