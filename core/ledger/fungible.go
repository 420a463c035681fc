// Package ledger holds the reference ledgers that apply drained omniverse
// transactions: per-scope token balances and per-scope item collections.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"omniverse/core/types"
	"omniverse/storage"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrOverflow            = errors.New("ledger: balance overflow")
)

const balancePrefix = "ledger/balance/"

// Fungible keeps one balance book per scope. Only the scope owner may mint.
// It satisfies the omniverse Ledger contract.
type Fungible struct {
	db     storage.Database
	owners scopeOwners
	logger *slog.Logger
	mu     sync.Mutex
}

func NewFungible(db storage.Database, logger *slog.Logger) *Fungible {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fungible{db: db, owners: newScopeOwners(db, "fungible"), logger: logger}
}

func balanceKey(scope []byte, pk types.PublicKey) []byte {
	return scopedKey(balancePrefix, scope, pk[:])
}

// Owner returns the account allowed to mint in scope, if one is recorded.
func (l *Fungible) Owner(scope []byte) (types.PublicKey, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners.get(scope)
}

// SetOwner assigns scope's minting account, replacing any earlier owner.
func (l *Fungible) SetOwner(scope []byte, pk types.PublicKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owners.set(scope, pk)
}

// Balance returns the holdings of pk in scope. Unknown holders hold zero.
func (l *Fungible) Balance(scope []byte, pk types.PublicKey) (*uint256.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(scope, pk)
}

func (l *Fungible) balance(scope []byte, pk types.PublicKey) (*uint256.Int, error) {
	data, err := l.db.Get(balanceKey(scope, pk))
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	out := new(uint256.Int)
	if err := rlp.DecodeBytes(data, out); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return out, nil
}

func (l *Fungible) stage(batch storage.Batch, scope []byte, pk types.PublicKey, amount *uint256.Int) error {
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	batch.Put(balanceKey(scope, pk), encoded)
	return nil
}

// Apply decodes rec's payload as a FungiblePayload and moves balances in the
// entry's scope. Mints credit the ExData recipient and are refused unless the
// sender owns the scope. Transfers move from the sender to the recipient and
// burns debit the sender.
func (l *Fungible) Apply(_ context.Context, entry *types.DelayedEntry, rec *types.TransactionRecord) error {
	payload, err := types.DecodeFungiblePayload(rec.Data.Payload)
	if err != nil {
		return err
	}
	amount := payload.Amount
	if amount == nil {
		amount = new(uint256.Int)
	}
	scope := []byte(entry.Scope)
	sender := entry.Sender

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := l.db.NewBatch()
	switch payload.Op {
	case types.OpMint:
		to, err := payload.Recipient()
		if err != nil {
			return err
		}
		if err := l.owners.authorizeMint(batch, scope, sender); err != nil {
			return err
		}
		if err := l.credit(batch, scope, to, amount); err != nil {
			return err
		}
	case types.OpTransfer:
		to, err := payload.Recipient()
		if err != nil {
			return err
		}
		if to == sender {
			return nil
		}
		if err := l.debit(batch, scope, sender, amount); err != nil {
			return err
		}
		if err := l.credit(batch, scope, to, amount); err != nil {
			return err
		}
	case types.OpBurn:
		if err := l.debit(batch, scope, sender, amount); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	l.logger.Debug("ledger applied payload",
		slog.Int("op", int(payload.Op)),
		slog.String("from", sender.Address()),
		slog.Uint64("nonce", entry.Nonce),
		slog.String("amount", amount.Dec()))
	return nil
}

func (l *Fungible) credit(batch storage.Batch, scope []byte, pk types.PublicKey, amount *uint256.Int) error {
	bal, err := l.balance(scope, pk)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return ErrOverflow
	}
	return l.stage(batch, scope, pk, sum)
}

func (l *Fungible) debit(batch storage.Batch, scope []byte, pk types.PublicKey, amount *uint256.Int) error {
	bal, err := l.balance(scope, pk)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal.Dec(), amount.Dec())
	}
	return l.stage(batch, scope, pk, new(uint256.Int).Sub(bal, amount))
}
