package solana

import (
	"context"
	"encoding/base64"
	"fmt"

	"filippo.io/edwards25519"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Signer signs aggregator-built transactions with the trading wallet.
// Key custody lives outside the engine; the signer only sees the key it is given.
type Signer interface {
	PublicKey() Pubkey
	// Sign takes a base64 serialized transaction (versioned or legacy) and
	// returns the base64 serialized signed transaction.
	Sign(ctx context.Context, txBase64 string) (string, error)
}

// KeySigner signs with an in-memory ed25519 keypair.
type KeySigner struct {
	key solanago.PrivateKey
	pub Pubkey
}

// NewKeySigner decodes a base58 64-byte secret key (the Solana CLI / Phantom
// export format) and checks that its public half is a valid curve point.
func NewKeySigner(secretBase58 string) (*KeySigner, error) {
	raw, err := base58.Decode(secretBase58)
	if err != nil {
		return nil, fmt.Errorf("signer: decode private key: %w", err)
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("signer: private key must be 64 bytes, got %d", len(raw))
	}
	if _, err := new(edwards25519.Point).SetBytes(raw[32:]); err != nil {
		return nil, fmt.Errorf("signer: public key is not a valid ed25519 point: %w", err)
	}

	key := solanago.PrivateKey(raw)
	return &KeySigner{
		key: key,
		pub: Pubkey(key.PublicKey().String()),
	}, nil
}

// PublicKey returns the wallet address.
func (s *KeySigner) PublicKey() Pubkey {
	return s.pub
}

// Sign decodes, signs and re-encodes a transaction.
func (s *KeySigner) Sign(_ context.Context, txBase64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("signer: base64 decode: %w", err)
	}

	tx, err := solanago.TransactionFromBytes(txBytes)
	if err != nil {
		return "", fmt.Errorf("signer: parse transaction: %w", err)
	}

	walletKey := s.key.PublicKey()
	if _, err := tx.Sign(func(pub solanago.PublicKey) *solanago.PrivateKey {
		if pub.Equals(walletKey) {
			return &s.key
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("signer: sign: %w", err)
	}

	signed, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("signer: marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signed), nil
}

// ValidateAddress reports whether s decodes to a 32-byte base58 public key.
func ValidateAddress(s string) bool {
	if s == "" {
		return false
	}
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == 32
}

// ---------------------------------------------------------------------------
// Stub signer
// ---------------------------------------------------------------------------

// StubSigner returns the payload unchanged. Used for dry-run and tests.
type StubSigner struct {
	Pub  Pubkey
	Fail bool
}

func (s *StubSigner) PublicKey() Pubkey { return s.Pub }

func (s *StubSigner) Sign(_ context.Context, txBase64 string) (string, error) {
	if s.Fail {
		return "", fmt.Errorf("signer: stub failure")
	}
	return txBase64, nil
}
