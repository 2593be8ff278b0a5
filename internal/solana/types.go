package solana

import (
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// LamportsPerSOL is the lamport denomination of one SOL.
const LamportsPerSOL = 1_000_000_000

// Well-known mints.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// ---------------------------------------------------------------------------
// Token types
// ---------------------------------------------------------------------------

// TokenInfo describes an SPL token mint.
type TokenInfo struct {
	Mint            Pubkey          `json:"mint"`
	Decimals        uint8           `json:"decimals"`
	Supply          decimal.Decimal `json:"supply"`
	MintAuthority   Pubkey          `json:"mint_authority"`   // empty = renounced
	FreezeAuthority Pubkey          `json:"freeze_authority"` // empty = renounced
}

// IsMintRenounced returns true if the mint authority is empty.
func (t TokenInfo) IsMintRenounced() bool {
	return t.MintAuthority == ""
}

// IsFreezeRenounced returns true if the freeze authority is empty.
func (t TokenInfo) IsFreezeRenounced() bool {
	return t.FreezeAuthority == ""
}

// HolderInfo describes one of the largest token accounts of a mint.
type HolderInfo struct {
	Address    Pubkey          `json:"address"`
	Balance    decimal.Decimal `json:"balance"`
	Percentage float64         `json:"percentage"` // % of total supply
}

// ---------------------------------------------------------------------------
// Transaction types
// ---------------------------------------------------------------------------

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxProcessed TxStatus = "processed"
	TxConfirmed TxStatus = "confirmed"
	TxFinalized TxStatus = "finalized"
	TxFailed    TxStatus = "failed"
)

// Landed reports whether the transaction reached confirmed or finalized commitment.
func (s TxStatus) Landed() bool {
	return s == TxConfirmed || s == TxFinalized
}

// SendOptions controls sendTransaction behaviour.
type SendOptions struct {
	SkipPreflight bool `json:"skip_preflight"`
	MaxRetries    int  `json:"max_retries"`
}

// LamportsToSOL converts a lamport amount to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(decimal.NewFromInt(LamportsPerSOL))
}

// SOLToLamports converts a SOL amount to lamports, truncating fractions.
func SOLToLamports(sol decimal.Decimal) uint64 {
	l := sol.Mul(decimal.NewFromInt(LamportsPerSOL)).Truncate(0)
	if l.IsNegative() {
		return 0
	}
	return uint64(l.IntPart())
}
