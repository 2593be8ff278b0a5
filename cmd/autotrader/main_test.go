package main

import (
	"context"
	"strconv"
	"testing"

	"github.com/nexus-trading/autotrader/internal/config"
	"github.com/nexus-trading/autotrader/internal/execution"
	"github.com/nexus-trading/autotrader/internal/jupiter"
	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/nexus-trading/autotrader/internal/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type quoteOnlyAggregator struct{}

func (quoteOnlyAggregator) Quote(_ context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error) {
	return &jupiter.Quote{
		InputMint:  req.InputMint,
		OutputMint: req.OutputMint,
		InAmount:   strconv.FormatUint(req.Amount, 10),
		OutAmount:  "5000000",
	}, nil
}

func (quoteOnlyAggregator) SwapTx(context.Context, *jupiter.Quote, string, bool) (*jupiter.SwapResponse, error) {
	panic("dry-run never requests a swap transaction")
}

func TestDefaultDryRunCanBuy(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	require.True(t, cfg.DryRun())

	signer, err := newSigner(cfg.Wallet, cfg.DryRun())
	require.NoError(t, err)

	rpc := solana.NewStubRPCClient()
	rpc.AddToken(solana.TokenInfo{Mint: "MintA", Decimals: 6})
	rpc.SetBalance(decimal.Zero)

	execCfg := cfg.Execution
	execCfg.DryRun = cfg.DryRun()
	gw := execution.NewGateway(execCfg, quoteOnlyAggregator{}, rpc, signer, position.NewBook(), nil, nil, nil)
	res, p, err := gw.Buy(context.Background(), execution.BuyRequest{Token: "MintA", Symbol: "A"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.True(t, res.TokenAmount.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, position.StatusOpen, p.Status())
}

func TestNewSigner_LiveRequiresKey(t *testing.T) {
	_, err := newSigner(config.WalletConfig{}, false)
	assert.Error(t, err)
}

func TestNewSigner_DryRunUsesPublicKey(t *testing.T) {
	pub := "So11111111111111111111111111111111111111112"
	signer, err := newSigner(config.WalletConfig{PublicKey: pub}, true)
	require.NoError(t, err)
	assert.Equal(t, solana.Pubkey(pub), signer.PublicKey())
}
