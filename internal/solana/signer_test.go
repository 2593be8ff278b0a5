package solana

import (
	"context"
	"encoding/base64"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsignedTransfer(t *testing.T, payer solanago.PublicKey) string {
	t.Helper()
	to := solanago.NewWallet().PublicKey()
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{
			system.NewTransferInstruction(1000, payer, to).Build(),
		},
		solanago.Hash{1, 2, 3},
		solanago.TransactionPayer(payer),
	)
	require.NoError(t, err)
	// Aggregators return zero-filled signature slots for the wallet to fill.
	tx.Signatures = make([]solanago.Signature, tx.Message.Header.NumRequiredSignatures)

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestKeySigner_SignsTransaction(t *testing.T) {
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	signer, err := NewKeySigner(key.String())
	require.NoError(t, err)
	assert.Equal(t, Pubkey(key.PublicKey().String()), signer.PublicKey())

	signedB64, err := signer.Sign(context.Background(), unsignedTransfer(t, key.PublicKey()))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(signedB64)
	require.NoError(t, err)
	tx, err := solanago.TransactionFromBytes(raw)
	require.NoError(t, err)
	require.Len(t, tx.Signatures, 1)
	assert.NotEqual(t, solanago.Signature{}, tx.Signatures[0])
	assert.NoError(t, tx.VerifySignatures())
}

func TestKeySigner_RejectsForeignPayer(t *testing.T) {
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	signer, err := NewKeySigner(key.String())
	require.NoError(t, err)

	other := solanago.NewWallet().PublicKey()
	_, err = signer.Sign(context.Background(), unsignedTransfer(t, other))
	assert.Error(t, err)
}

func TestNewKeySigner_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"not base58", "0OIl"},
		{"too short", base58.Encode(make([]byte, 32))},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeySigner(tt.key)
			assert.Error(t, err)
		})
	}
}

func TestKeySigner_BadPayload(t *testing.T) {
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)
	signer, err := NewKeySigner(key.String())
	require.NoError(t, err)

	_, err = signer.Sign(context.Background(), "%%%not-base64")
	assert.Error(t, err)

	_, err = signer.Sign(context.Background(), base64.StdEncoding.EncodeToString([]byte{0xff}))
	assert.Error(t, err)
}

func TestValidateAddress(t *testing.T) {
	assert.True(t, ValidateAddress(string(SOLMint)))
	assert.True(t, ValidateAddress(string(USDCMint)))
	assert.False(t, ValidateAddress(""))
	assert.False(t, ValidateAddress("not-an-address"))
	assert.False(t, ValidateAddress(base58.Encode([]byte{1, 2, 3})))
}

func TestLamportConversion(t *testing.T) {
	assert.Equal(t, "1.5", LamportsToSOL(1_500_000_000).String())
	assert.Equal(t, uint64(10_000_000), SOLToLamports(LamportsToSOL(10_000_000)))
}
