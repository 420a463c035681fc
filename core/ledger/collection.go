package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holiman/uint256"

	"omniverse/core/types"
	"omniverse/storage"
)

var (
	ErrItemExists    = errors.New("ledger: item already minted")
	ErrUnknownItem   = errors.New("ledger: unknown item")
	ErrNotItemHolder = errors.New("ledger: signer does not hold the item")
)

const itemPrefix = "ledger/item/"

// Collection tracks which account holds each item of a scope. Only the scope
// owner may mint, and only an item's holder may transfer or burn it.
type Collection struct {
	db     storage.Database
	owners scopeOwners
	logger *slog.Logger
	mu     sync.Mutex
}

func NewCollection(db storage.Database, logger *slog.Logger) *Collection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection{db: db, owners: newScopeOwners(db, "collection"), logger: logger}
}

func itemKey(scope []byte, id *uint256.Int) []byte {
	raw := id.Bytes32()
	return scopedKey(itemPrefix, scope, raw[:])
}

func (c *Collection) Owner(scope []byte) (types.PublicKey, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners.get(scope)
}

func (c *Collection) SetOwner(scope []byte, pk types.PublicKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners.set(scope, pk)
}

// HolderOf returns the account holding item id of scope. The boolean is false
// for items never minted or already burnt.
func (c *Collection) HolderOf(scope []byte, id *uint256.Int) (types.PublicKey, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.holder(scope, id)
}

func (c *Collection) holder(scope []byte, id *uint256.Int) (types.PublicKey, bool, error) {
	var pk types.PublicKey
	data, err := c.db.Get(itemKey(scope, id))
	if errors.Is(err, storage.ErrNotFound) {
		return pk, false, nil
	}
	if err != nil {
		return pk, false, err
	}
	if len(data) != len(pk) {
		return pk, false, fmt.Errorf("ledger: corrupt item record of %d bytes", len(data))
	}
	copy(pk[:], data)
	return pk, true, nil
}

// Apply decodes rec's payload as a NonFungiblePayload and changes item
// ownership in the entry's scope.
func (c *Collection) Apply(_ context.Context, entry *types.DelayedEntry, rec *types.TransactionRecord) error {
	payload, err := types.DecodeNonFungiblePayload(rec.Data.Payload)
	if err != nil {
		return err
	}
	id := payload.TokenID
	if id == nil {
		id = new(uint256.Int)
	}
	scope := []byte(entry.Scope)
	sender := entry.Sender

	c.mu.Lock()
	defer c.mu.Unlock()

	holder, exists, err := c.holder(scope, id)
	if err != nil {
		return err
	}
	batch := c.db.NewBatch()
	switch payload.Op {
	case types.OpMint:
		to, err := payload.Recipient()
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrItemExists, id.Dec())
		}
		if err := c.owners.authorizeMint(batch, scope, sender); err != nil {
			return err
		}
		batch.Put(itemKey(scope, id), to[:])
	case types.OpTransfer:
		to, err := payload.Recipient()
		if err != nil {
			return err
		}
		if err := checkHolder(id, holder, exists, sender); err != nil {
			return err
		}
		batch.Put(itemKey(scope, id), to[:])
	case types.OpBurn:
		if err := checkHolder(id, holder, exists, sender); err != nil {
			return err
		}
		batch.Delete(itemKey(scope, id))
	}
	if err := batch.Write(); err != nil {
		return err
	}
	c.logger.Debug("collection applied payload",
		slog.Int("op", int(payload.Op)),
		slog.String("from", sender.Address()),
		slog.Uint64("nonce", entry.Nonce),
		slog.String("item", id.Dec()))
	return nil
}

func checkHolder(id *uint256.Int, holder types.PublicKey, exists bool, sender types.PublicKey) error {
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownItem, id.Dec())
	}
	if holder != sender {
		return fmt.Errorf("%w: %s", ErrNotItemHolder, id.Dec())
	}
	return nil
}
