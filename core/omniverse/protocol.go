package omniverse

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"omniverse/core/delayed"
	"omniverse/core/events"
	"omniverse/core/state"
	"omniverse/core/types"
	"omniverse/observability/metrics"
	"omniverse/storage"
)

var (
	ErrNoDelayedTx   = errors.New("omniverse: no delayed transaction")
	ErrNotExecutable = errors.New("omniverse: delayed transaction still cooling down")
	ErrRecordMissing = errors.New("omniverse: delayed transaction has no history record")
	ErrApplyFailed   = errors.New("omniverse: ledger failed to apply transaction")
	ErrScopeRequired = errors.New("omniverse: queues are per scope; a scope is required")
)

// DefaultCooldown is the spacing, in seconds, required between two accepted
// transactions of one account.
const DefaultCooldown uint64 = 10

const sharedQueueNamespace = "shared"

var scopeListKey = []byte("delayed/scopes")

// Ledger applies a drained transaction to business state. It is called at
// most once per queue entry; returning an error marks the entry skipped.
type Ledger interface {
	Apply(ctx context.Context, entry *types.DelayedEntry, rec *types.TransactionRecord) error
}

// LedgerFunc adapts a function to the Ledger interface.
type LedgerFunc func(ctx context.Context, entry *types.DelayedEntry, rec *types.TransactionRecord) error

func (f LedgerFunc) Apply(ctx context.Context, entry *types.DelayedEntry, rec *types.TransactionRecord) error {
	return f(ctx, entry, rec)
}

// Config holds the parameters every execution space must agree on, plus the
// local queue layout.
type Config struct {
	ChainID       uint32
	Cooldown      uint64
	Scheme        types.SignatureScheme
	QueuePerScope bool
}

// DrainReport describes one drain attempt. ApplyErr wraps ErrApplyFailed or
// ErrRecordMissing when the entry was skipped.
type DrainReport struct {
	Entry    *types.DelayedEntry
	Outcome  delayed.DrainOutcome
	ApplyErr error
}

// Protocol ties the account registry, the validator and the delayed queues
// together and exposes the outward query and mutation surface.
type Protocol struct {
	cfg       Config
	db        storage.Database
	accounts  *state.AccountRegistry
	validator *Validator
	logger    *slog.Logger
	emitter   events.Emitter
	metrics   *metrics.ProtocolMetrics

	submitMu sync.Mutex
	drainMu  sync.Mutex

	queuesMu sync.Mutex
	queues   map[string]*delayed.Queue
}

type Option func(*Protocol)

func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithEmitter(e events.Emitter) Option {
	return func(p *Protocol) {
		if e != nil {
			p.emitter = e
		}
	}
}

func WithMetrics(m *metrics.ProtocolMetrics) Option {
	return func(p *Protocol) { p.metrics = m }
}

// New builds a protocol instance over db.
func New(db storage.Database, cfg Config, opts ...Option) (*Protocol, error) {
	if db == nil {
		return nil, fmt.Errorf("omniverse: nil database")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = types.SchemeRaw
	}
	if !cfg.Scheme.Valid() {
		return nil, fmt.Errorf("omniverse: unknown signature scheme %q", cfg.Scheme)
	}
	p := &Protocol{
		cfg:      cfg,
		db:       db,
		accounts: state.NewAccountRegistry(db),
		logger:   slog.Default(),
		emitter:  events.NoopEmitter{},
		queues:   make(map[string]*delayed.Queue),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.validator = NewValidator(cfg.ChainID, p.accounts, NewVerifier(cfg.Scheme), scopeRouter{p})
	p.validator.SetEmitter(p.emitter)
	p.validator.SetMetrics(p.metrics)
	p.validator.SetLogger(p.logger.With(slog.String("component", "validator")))
	return p, nil
}

// --- read-only query interface ---

func (p *Protocol) GetChainID() uint32 { return p.cfg.ChainID }

func (p *Protocol) GetCoolingDownTime() uint64 { return p.cfg.Cooldown }

func (p *Protocol) Scheme() types.SignatureScheme { return p.cfg.Scheme }

// GetTransactionCount returns the next expected nonce of pk.
func (p *Protocol) GetTransactionCount(pk types.PublicKey) (uint64, error) {
	return p.accounts.Nonce(pk)
}

// GetTransactionData returns the record accepted at nonce; the boolean is false
// when nothing is on record.
func (p *Protocol) GetTransactionData(pk types.PublicKey, nonce uint64) (*types.TransactionRecord, bool, error) {
	rec, err := p.accounts.HistoryEntry(pk, nonce)
	if errors.Is(err, state.ErrHistoryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (p *Protocol) IsMalicious(pk types.PublicKey) (bool, error) {
	return p.accounts.IsMalicious(pk)
}

func (p *Protocol) EvilRecords(pk types.PublicKey) ([]types.EvilRecord, error) {
	return p.accounts.EvilRecords(pk)
}

// --- mutation ---

// SendTransaction validates tx at time now and queues it under scope when it
// is accepted. Submissions are serialised.
func (p *Protocol) SendTransaction(scope []byte, tx *types.TransactionData, now uint64) (types.VerifyResult, error) {
	p.submitMu.Lock()
	defer p.submitMu.Unlock()
	result, err := p.validator.VerifyTransaction(scope, tx, now, p.cfg.Cooldown)
	if err != nil {
		return result, err
	}
	if result == types.VerifyResultSuccess {
		p.refreshPending(scope)
	}
	return result, nil
}

// --- queues ---

type scopeRouter struct{ p *Protocol }

func (r scopeRouter) Enqueue(scope []byte, sender types.PublicKey, nonce uint64, now uint64) (uint64, error) {
	q, err := r.p.queueFor(scope, true)
	if err != nil {
		return 0, err
	}
	return q.Enqueue(scope, sender, nonce, now)
}

func scopeNamespace(scope []byte) string {
	return "scope/" + hex.EncodeToString(scope)
}

func (p *Protocol) queueFor(scope []byte, register bool) (*delayed.Queue, error) {
	ns := sharedQueueNamespace
	if p.cfg.QueuePerScope {
		ns = scopeNamespace(scope)
	}
	p.queuesMu.Lock()
	defer p.queuesMu.Unlock()
	if q, ok := p.queues[ns]; ok {
		return q, nil
	}
	if register && p.cfg.QueuePerScope {
		if err := p.registerScope(scope); err != nil {
			return nil, err
		}
	}
	q := delayed.NewQueue(p.db, ns)
	p.queues[ns] = q
	return q, nil
}

func (p *Protocol) loadScopes() ([][]byte, error) {
	data, err := p.db.Get(scopeListKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var scopes [][]byte
	if err := rlp.DecodeBytes(data, &scopes); err != nil {
		return nil, fmt.Errorf("decode scope list: %w", err)
	}
	return scopes, nil
}

func (p *Protocol) registerScope(scope []byte) error {
	scopes, err := p.loadScopes()
	if err != nil {
		return err
	}
	for _, s := range scopes {
		if string(s) == string(scope) {
			return nil
		}
	}
	scopes = append(scopes, append([]byte(nil), scope...))
	encoded, err := rlp.EncodeToBytes(scopes)
	if err != nil {
		return err
	}
	return p.db.Put(scopeListKey, encoded)
}

// Scopes lists the business scopes that own a queue. It is empty when all
// scopes share one queue.
func (p *Protocol) Scopes() ([][]byte, error) {
	if !p.cfg.QueuePerScope {
		return nil, nil
	}
	p.queuesMu.Lock()
	defer p.queuesMu.Unlock()
	return p.loadScopes()
}

// QueueIndexes returns the pointer pair of the queue serving scope.
func (p *Protocol) QueueIndexes(scope []byte) (delayed.Indexes, error) {
	q, err := p.queueFor(scope, false)
	if err != nil {
		return delayed.Indexes{}, err
	}
	return q.Indexes()
}

// PendingEntries lists up to limit entries awaiting a drain in scope's queue.
func (p *Protocol) PendingEntries(scope []byte, limit int) ([]*types.DelayedEntry, error) {
	q, err := p.queueFor(scope, false)
	if err != nil {
		return nil, err
	}
	return q.Pending(limit)
}

func (p *Protocol) refreshPending(scope []byte) {
	if p.metrics == nil {
		return
	}
	idx, err := p.QueueIndexes(scope)
	if err != nil {
		return
	}
	p.metrics.SetPending(idx.Pending())
}

// TriggerExecution drains the shared queue once. See TriggerExecutionScope.
func (p *Protocol) TriggerExecution(ctx context.Context, now uint64, ledger Ledger) (*DrainReport, error) {
	if p.cfg.QueuePerScope {
		return nil, ErrScopeRequired
	}
	return p.TriggerExecutionScope(ctx, nil, now, ledger)
}

// TriggerExecutionScope attempts the oldest pending entry of scope's queue.
// It returns ErrNoDelayedTx when nothing is pending and ErrNotExecutable,
// without consuming the entry, until now is strictly past the record's
// timestamp plus the cooldown. Otherwise the entry is consumed whatever the
// ledger reports. A slot whose entry is gone from storage is consumed and
// reported with a nil Entry and an ApplyErr wrapping delayed.ErrEntryMissing.
func (p *Protocol) TriggerExecutionScope(ctx context.Context, scope []byte, now uint64, ledger Ledger) (*DrainReport, error) {
	if ledger == nil {
		return nil, fmt.Errorf("omniverse: nil ledger")
	}
	q, err := p.queueFor(scope, false)
	if err != nil {
		return nil, err
	}

	p.drainMu.Lock()
	defer p.drainMu.Unlock()

	next, err := q.PeekNext()
	if errors.Is(err, delayed.ErrEntryMissing) {
		return p.stepOverMissing(q, scope)
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, ErrNoDelayedTx
	}

	rec, err := p.accounts.HistoryEntry(next.Sender, next.Nonce)
	missing := errors.Is(err, state.ErrHistoryNotFound)
	if err != nil && !missing {
		return nil, err
	}
	if !missing && (now < rec.Timestamp || now-rec.Timestamp <= p.cfg.Cooldown) {
		return nil, ErrNotExecutable
	}

	report := &DrainReport{}
	outcome, entry, err := q.DrainOne(func(e *types.DelayedEntry) delayed.ApplyOutcome {
		if missing {
			report.ApplyErr = fmt.Errorf("%w: nonce %d", ErrRecordMissing, e.Nonce)
			return delayed.Skip
		}
		if applyErr := ledger.Apply(ctx, e, rec); applyErr != nil {
			report.ApplyErr = fmt.Errorf("%w: %v", ErrApplyFailed, applyErr)
			return delayed.Skip
		}
		return delayed.Applied
	})
	if err != nil {
		return nil, err
	}
	if outcome == delayed.DrainEmpty {
		return nil, ErrNoDelayedTx
	}
	report.Entry = entry
	report.Outcome = outcome

	p.metrics.ObserveDrain(outcome.String())
	p.refreshPending(scope)
	executed := events.TransactionExecuted{
		From:    entry.Sender,
		Scope:   entry.Scope,
		Nonce:   entry.Nonce,
		Applied: outcome == delayed.DrainApplied,
	}
	if report.ApplyErr != nil {
		executed.Reason = report.ApplyErr.Error()
		p.logger.Warn("omniverse delayed transaction skipped",
			slog.String("from", entry.Sender.Address()),
			slog.Uint64("nonce", entry.Nonce),
			slog.Any("error", report.ApplyErr))
	}
	p.emitter.Emit(executed)
	return report, nil
}

func (p *Protocol) stepOverMissing(q *delayed.Queue, scope []byte) (*DrainReport, error) {
	outcome, _, err := q.DrainOne(func(*types.DelayedEntry) delayed.ApplyOutcome { return delayed.Skip })
	if !errors.Is(err, delayed.ErrEntryMissing) {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("omniverse: expected a missing queue slot, drain reported %s", outcome)
	}
	p.metrics.ObserveDrain(outcome.String())
	p.refreshPending(scope)
	p.logger.Error("omniverse queue slot missing from storage; stepped over",
		slog.String("scope", hex.EncodeToString(scope)),
		slog.Any("error", err))
	return &DrainReport{Outcome: outcome, ApplyErr: err}, nil
}
