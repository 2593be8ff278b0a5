package execution

import (
	"errors"
	"fmt"

	"github.com/nexus-trading/autotrader/internal/position"
)

// Stage names the step of a swap that failed.
type Stage string

const (
	StageState   Stage = "state" // position invariant
	StageBalance Stage = "balance"
	StageSize    Stage = "size"
	StageToken   Stage = "token"
	StageQuote   Stage = "quote"
	StageSwap    Stage = "swap"
	StageSign    Stage = "sign"
	StageSend    Stage = "send"
	StageConfirm Stage = "confirm"
)

var (
	// ErrPositionOpen rejects a buy for a token the wallet already holds.
	ErrPositionOpen = fmt.Errorf("execution: %w", position.ErrAlreadyOpen)
	// ErrBelowMinimumSize rejects a buy the wallet cannot fund.
	ErrBelowMinimumSize = errors.New("execution: trade size below minimum")
	// ErrSellInProgress rejects a second concurrent sell of one position.
	ErrSellInProgress = errors.New("execution: sell already in progress")
	// ErrTxFailed means the transaction landed with an error.
	ErrTxFailed = errors.New("execution: transaction failed on chain")
	// ErrConfirmTimeout means the transaction was not seen confirmed in time.
	// The swap may still land.
	ErrConfirmTimeout = errors.New("execution: confirmation timed out")
)

// Error is a failed buy or sell. Callers log it and move on.
type Error struct {
	Stage Stage
	Token string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("execution: %s %s: %v", e.Stage, e.Token, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StageOf returns the stage of an execution error, or "" for other errors.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
