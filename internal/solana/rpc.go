package solana

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Chain RPC Interface
// ---------------------------------------------------------------------------

// ChainRPC is the per-endpoint Solana RPC capability set the engine consumes.
// Implementations: LiveRPCClient (one real endpoint), Failover (rotating pool),
// StubRPCClient (testing).
type ChainRPC interface {
	// GetBalance returns the SOL balance of a wallet.
	GetBalance(ctx context.Context, wallet Pubkey) (decimal.Decimal, error)

	// GetTokenInfo fetches mint metadata (supply, authorities).
	GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error)

	// GetTopHolders returns the largest token accounts of a mint.
	GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error)

	// SendTransaction submits a signed base64 transaction.
	SendTransaction(ctx context.Context, txBase64 string, opts SendOptions) (Signature, error)

	// GetSignatureStatus reports the confirmation status of a signature.
	GetSignatureStatus(ctx context.Context, sig Signature) (TxStatus, error)

	// GetSlot returns the current slot.
	GetSlot(ctx context.Context) (uint64, error)

	// Health returns the RPC endpoint health.
	Health(ctx context.Context) error
}

// EndpointConfig describes one RPC endpoint in the failover pool.
type EndpointConfig struct {
	Name         string        `yaml:"name"`
	URL          string        `yaml:"url"` // e.g. https://api.mainnet-beta.solana.com
	Timeout      time.Duration `yaml:"timeout"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
}

// RPCConfig configures the RPC endpoint pool.
type RPCConfig struct {
	Endpoints  []EndpointConfig `yaml:"endpoints"`
	RetryDelay time.Duration    `yaml:"retry_delay"` // fixed pause between rotations
}

// DefaultRPCConfig returns development defaults.
func DefaultRPCConfig() RPCConfig {
	return RPCConfig{
		Endpoints: []EndpointConfig{
			{Name: "mainnet-beta", URL: "https://api.mainnet-beta.solana.com", Timeout: 10 * time.Second, RateLimitRPS: 10},
		},
		RetryDelay: 2 * time.Second,
	}
}

// ---------------------------------------------------------------------------
// Stub RPC Client (for testing and development)
// ---------------------------------------------------------------------------

// StubRPCClient is a mock RPC client for testing.
type StubRPCClient struct {
	mu       sync.RWMutex
	tokens   map[Pubkey]*TokenInfo
	holders  map[Pubkey][]HolderInfo
	balance  decimal.Decimal
	status   TxStatus
	slot     uint64
	failNext bool
	failAll  bool

	calls    atomic.Int64
	sent     []string
	sendOpts []SendOptions
}

// NewStubRPCClient creates a stub RPC client for testing.
func NewStubRPCClient() *StubRPCClient {
	return &StubRPCClient{
		tokens:  make(map[Pubkey]*TokenInfo),
		holders: make(map[Pubkey][]HolderInfo),
		balance: decimal.NewFromFloat(10.0),
		status:  TxConfirmed,
		slot:    1,
	}
}

// AddToken registers a token for the stub to return.
func (s *StubRPCClient) AddToken(info TokenInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[info.Mint] = &info
}

// AddHolders registers holders for a token mint.
func (s *StubRPCClient) AddHolders(mint Pubkey, holders []HolderInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holders[mint] = holders
}

// SetBalance sets the stub wallet SOL balance.
func (s *StubRPCClient) SetBalance(sol decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = sol
}

// SetStatus sets the status returned for every signature.
func (s *StubRPCClient) SetStatus(status TxStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetFailNext makes the next call fail.
func (s *StubRPCClient) SetFailNext() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = true
}

// SetFailAll makes every call fail until cleared.
func (s *StubRPCClient) SetFailAll(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = fail
}

// Calls returns the number of interface calls made.
func (s *StubRPCClient) Calls() int64 {
	return s.calls.Load()
}

// Sent returns the transactions submitted so far.
func (s *StubRPCClient) Sent() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

// LastSendOptions returns the options of the most recent submission.
func (s *StubRPCClient) LastSendOptions() (SendOptions, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.sendOpts) == 0 {
		return SendOptions{}, false
	}
	return s.sendOpts[len(s.sendOpts)-1], true
}

func (s *StubRPCClient) shouldFail() bool {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return true
	}
	if s.failNext {
		s.failNext = false
		return true
	}
	return false
}

// --- Interface implementation ---

func (s *StubRPCClient) GetBalance(_ context.Context, _ Pubkey) (decimal.Decimal, error) {
	if s.shouldFail() {
		return decimal.Zero, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, nil
}

func (s *StubRPCClient) GetTokenInfo(_ context.Context, mint Pubkey) (*TokenInfo, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.tokens[mint]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("stub: token %s not found", mint)
}

func (s *StubRPCClient) GetTopHolders(_ context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	if s.shouldFail() {
		return nil, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	holders := s.holders[mint]
	if len(holders) > limit {
		holders = holders[:limit]
	}
	return holders, nil
}

func (s *StubRPCClient) SendTransaction(_ context.Context, txBase64 string, opts SendOptions) (Signature, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, txBase64)
	s.sendOpts = append(s.sendOpts, opts)
	return Signature(fmt.Sprintf("stub-sig-%d", len(s.sent))), nil
}

func (s *StubRPCClient) GetSignatureStatus(_ context.Context, _ Signature) (TxStatus, error) {
	if s.shouldFail() {
		return "", fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, nil
}

func (s *StubRPCClient) GetSlot(_ context.Context) (uint64, error) {
	if s.shouldFail() {
		return 0, fmt.Errorf("stub: simulated RPC failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slot++
	return s.slot, nil
}

func (s *StubRPCClient) Health(_ context.Context) error {
	if s.shouldFail() {
		return fmt.Errorf("stub: simulated RPC failure")
	}
	return nil
}
