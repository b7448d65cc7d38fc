package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
)

const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc runs inside a Firestore transaction. It is re-run on contention, so it must only
// touch state through tx and captured variables it resets itself.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises a transaction.
type TxOption func(*txConfig)

type txConfig struct {
	attempts int
	timeout  time.Duration
}

// WithTxAttempts caps how many times contention is retried.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the whole transaction including retries.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// RunTransaction executes fn in a transaction on client. Contention that outlasts the retry
// budget surfaces as a conflict; hitting the transaction timeout while the caller's context is
// still live surfaces as unavailable. Errors returned by fn keep their own classification.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	if client == nil || fn == nil {
		return &Error{op: "transaction", err: errors.New("firestore: client and transaction function are required"), kind: kindUnavailable}
	}

	cfg := txConfig{attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	txCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	err := client.RunTransaction(txCtx, fn, firestore.MaxAttempts(cfg.attempts))
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(txCtx.Err(), context.DeadlineExceeded) {
		return &Error{op: "transaction", err: fmt.Errorf("timed out after %s: %w", cfg.timeout, err), kind: kindUnavailable}
	}
	return WrapError("transaction", err)
}
