package omniverse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omniverse/core/events"
	"omniverse/core/state"
	"omniverse/core/types"
	"omniverse/observability/metrics"
)

// AccountStore is the read/write contract the validator needs from the
// account registry.
type AccountStore interface {
	Nonce(pk types.PublicKey) (uint64, error)
	HistoryEntry(pk types.PublicKey, nonce uint64) (*types.TransactionRecord, error)
	IsMalicious(pk types.PublicKey) (bool, error)
	LastTransactionTime(pk types.PublicKey) (uint64, bool, error)
	RecordSuccess(pk types.PublicKey, rec *types.TransactionRecord, now uint64) error
	MarkMalicious(pk types.PublicKey, evidence *types.EvilRecord) error
}

// Enqueuer receives accepted transactions for deferred application.
type Enqueuer interface {
	Enqueue(scope []byte, sender types.PublicKey, nonce uint64, now uint64) (uint64, error)
}

// Validator decides the fate of each submitted transaction. Calls for the same
// account must be serialised by the caller.
type Validator struct {
	chainID  uint32
	accounts AccountStore
	verifier *Verifier
	queue    Enqueuer
	emitter  events.Emitter
	metrics  *metrics.ProtocolMetrics
	logger   *slog.Logger
}

func NewValidator(chainID uint32, accounts AccountStore, verifier *Verifier, queue Enqueuer) *Validator {
	return &Validator{
		chainID:  chainID,
		accounts: accounts,
		verifier: verifier,
		queue:    queue,
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
	}
}

func (v *Validator) SetEmitter(e events.Emitter) {
	if e == nil {
		e = events.NoopEmitter{}
	}
	v.emitter = e
}

func (v *Validator) SetMetrics(m *metrics.ProtocolMetrics) { v.metrics = m }

func (v *Validator) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	v.logger = l
}

// VerifyTransaction runs the ordered checks (malicious flag, historical
// conflict, nonce gap, signature, cooldown) and, on success, records the
// transaction and queues it under scope. The returned error is reserved for
// storage faults; rejections are verdicts.
func (v *Validator) VerifyTransaction(scope []byte, tx *types.TransactionData, now uint64, cooldown uint64) (types.VerifyResult, error) {
	if tx == nil {
		return types.VerifyResultSignatureError, nil
	}
	start := time.Now()
	result, err := v.verify(scope, tx, now, cooldown)
	if err != nil {
		return result, err
	}
	v.metrics.ObserveVerdict(result.String(), time.Since(start).Seconds())
	if result != types.VerifyResultSuccess {
		level := slog.LevelDebug
		if result == types.VerifyResultMalicious {
			level = slog.LevelWarn
		}
		v.logger.Log(context.Background(), level, "omniverse transaction rejected",
			slog.String("result", result.String()),
			slog.String("from", tx.From.Address()),
			slog.Uint64("nonce", tx.Nonce))
	}
	return result, nil
}

func (v *Validator) verify(scope []byte, tx *types.TransactionData, now uint64, cooldown uint64) (types.VerifyResult, error) {
	malicious, err := v.accounts.IsMalicious(tx.From)
	if err != nil {
		return 0, err
	}
	if malicious {
		return types.VerifyResultMalicious, nil
	}

	expected, err := v.accounts.Nonce(tx.From)
	if err != nil {
		return 0, err
	}
	switch {
	case tx.Nonce < expected:
		return v.checkConflict(tx, now)
	case tx.Nonce > expected:
		return types.VerifyResultNonceError, nil
	}

	if err := v.verifier.Verify(tx); err != nil {
		return types.VerifyResultSignatureError, nil
	}

	last, seen, err := v.accounts.LastTransactionTime(tx.From)
	if err != nil {
		return 0, err
	}
	if seen && (now < last || now-last < cooldown) {
		return types.VerifyResultCoolingDown, nil
	}

	rec := &types.TransactionRecord{Data: *tx.Copy(), Timestamp: now}
	if err := v.accounts.RecordSuccess(tx.From, rec, now); err != nil {
		return 0, fmt.Errorf("record transaction: %w", err)
	}
	slot, err := v.queue.Enqueue(scope, tx.From, tx.Nonce, now)
	if err != nil {
		// The nonce has already advanced; the entry can only be recovered by
		// an operator re-enqueueing it.
		v.logger.Error("omniverse enqueue failed after acceptance",
			slog.String("from", tx.From.Address()),
			slog.Uint64("nonce", tx.Nonce),
			slog.Any("error", err))
		return 0, fmt.Errorf("enqueue transaction: %w", err)
	}
	if tx.ChainID == v.chainID {
		v.emitter.Emit(events.TransactionSent{From: tx.From, Scope: append([]byte(nil), scope...), Nonce: tx.Nonce})
	}
	v.logger.Debug("omniverse transaction accepted",
		slog.String("from", tx.From.Address()),
		slog.Uint64("nonce", tx.Nonce),
		slog.Uint64("slot", slot))
	return types.VerifyResultSuccess, nil
}

// checkConflict handles a nonce that is already on record. A resubmission of
// the same signed content is idempotent whatever encoding its signature uses.
// Different content is equivocation, but only once the sender's own signature
// proves authorship.
func (v *Validator) checkConflict(tx *types.TransactionData, now uint64) (types.VerifyResult, error) {
	stored, err := v.accounts.HistoryEntry(tx.From, tx.Nonce)
	if err != nil {
		if errors.Is(err, state.ErrHistoryNotFound) {
			return 0, fmt.Errorf("history gap for nonce %d: %w", tx.Nonce, err)
		}
		return 0, err
	}
	if stored.Data.SameContent(tx) {
		return types.VerifyResultDuplicated, nil
	}
	if err := v.verifier.Verify(tx); err != nil {
		return types.VerifyResultSignatureError, nil
	}

	evidence := &types.EvilRecord{
		Record:          types.TransactionRecord{Data: *tx.Copy(), Timestamp: now},
		HistoricalNonce: tx.Nonce,
	}
	if err := v.accounts.MarkMalicious(tx.From, evidence); err != nil {
		return 0, fmt.Errorf("mark malicious: %w", err)
	}
	v.metrics.ObserveFlagged()
	v.emitter.Emit(events.AccountFlagged{Account: tx.From, Nonce: tx.Nonce})
	v.logger.Warn("omniverse equivocation detected",
		slog.String("account", tx.From.Address()),
		slog.Uint64("nonce", tx.Nonce))
	return types.VerifyResultMalicious, nil
}
