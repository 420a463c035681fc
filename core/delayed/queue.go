package delayed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"omniverse/core/types"
	"omniverse/storage"
)

var ErrEntryMissing = errors.New("delayed: pending entry missing from storage")

// ApplyOutcome is reported by the drain callback.
type ApplyOutcome uint8

const (
	Applied ApplyOutcome = iota
	Skip
)

// DrainOutcome describes what a single drain step did.
type DrainOutcome uint8

const (
	DrainApplied DrainOutcome = iota
	DrainSkipped
	DrainEmpty
)

func (o DrainOutcome) String() string {
	switch o {
	case DrainApplied:
		return "applied"
	case DrainSkipped:
		return "skipped"
	case DrainEmpty:
		return "empty"
	default:
		return fmt.Sprintf("DrainOutcome(%d)", uint8(o))
	}
}

// Indexes is the queue pointer pair. Slots in [Executing, Next) are pending.
type Indexes struct {
	Executing uint64 `json:"executingIndex"`
	Next      uint64 `json:"nextIndex"`
}

// Pending returns the number of entries awaiting a drain attempt.
func (i Indexes) Pending() uint64 { return i.Next - i.Executing }

// Queue is a durable FIFO of validated transactions. Entries are drained at
// most once and drained slots are skipped rather than deleted.
//
// mu guards the pointer pair for Enqueue and DrainOne. drainMu is held for the
// whole of a drain step, callback included, so concurrent drains cannot
// reorder applications while the callback is still free to Enqueue.
type Queue struct {
	db       storage.Database
	indexKey []byte
	prefix   []byte

	mu      sync.Mutex
	drainMu sync.Mutex
}

// NewQueue returns the queue stored under namespace. Queues with distinct
// namespaces share nothing.
func NewQueue(db storage.Database, namespace string) *Queue {
	base := "delayed/" + namespace + "/"
	return &Queue{
		db:       db,
		indexKey: ethcrypto.Keccak256([]byte(base + "index")),
		prefix:   []byte(base + "entry/"),
	}
}

func (q *Queue) entryKey(slot uint64) []byte {
	buf := make([]byte, len(q.prefix)+8)
	copy(buf, q.prefix)
	binary.BigEndian.PutUint64(buf[len(q.prefix):], slot)
	return ethcrypto.Keccak256(buf)
}

func (q *Queue) loadIndexes() (Indexes, error) {
	var idx Indexes
	data, err := q.db.Get(q.indexKey)
	if errors.Is(err, storage.ErrNotFound) {
		return idx, nil
	}
	if err != nil {
		return idx, err
	}
	if err := rlp.DecodeBytes(data, &idx); err != nil {
		return idx, fmt.Errorf("decode queue indexes: %w", err)
	}
	return idx, nil
}

func (q *Queue) loadEntry(slot uint64) (*types.DelayedEntry, error) {
	data, err := q.db.Get(q.entryKey(slot))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: slot %d", ErrEntryMissing, slot)
	}
	if err != nil {
		return nil, err
	}
	entry := new(types.DelayedEntry)
	if err := rlp.DecodeBytes(data, entry); err != nil {
		return nil, fmt.Errorf("decode delayed entry: %w", err)
	}
	return entry, nil
}

// Indexes returns the current pointer pair.
func (q *Queue) Indexes() (Indexes, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadIndexes()
}

// Enqueue stores a new entry at the next slot and returns that slot.
func (q *Queue) Enqueue(scope []byte, sender types.PublicKey, nonce uint64, now uint64) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, err := q.loadIndexes()
	if err != nil {
		return 0, err
	}
	entry := &types.DelayedEntry{
		Sender:     sender,
		Scope:      append([]byte(nil), scope...),
		Nonce:      nonce,
		EnqueuedAt: now,
	}
	encodedEntry, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return 0, err
	}
	slot := idx.Next
	idx.Next++
	encodedIdx, err := rlp.EncodeToBytes(&idx)
	if err != nil {
		return 0, err
	}

	batch := q.db.NewBatch()
	batch.Put(q.entryKey(slot), encodedEntry)
	batch.Put(q.indexKey, encodedIdx)
	if err := batch.Write(); err != nil {
		return 0, err
	}
	return slot, nil
}

// PeekNext returns the entry at the executing index, or nil when the queue is
// empty.
func (q *Queue) PeekNext() (*types.DelayedEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, err := q.loadIndexes()
	if err != nil {
		return nil, err
	}
	if idx.Executing == idx.Next {
		return nil, nil
	}
	return q.loadEntry(idx.Executing)
}

// Pending lists up to limit pending entries in drain order. A non-positive
// limit lists all of them. Slots missing from storage are left out.
func (q *Queue) Pending(limit int) ([]*types.DelayedEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, err := q.loadIndexes()
	if err != nil {
		return nil, err
	}
	out := make([]*types.DelayedEntry, 0)
	for slot := idx.Executing; slot < idx.Next; slot++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		entry, err := q.loadEntry(slot)
		if errors.Is(err, ErrEntryMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// DrainOne hands the oldest pending entry to apply. The executing index is
// advanced and persisted before apply runs, so an entry is attempted at most
// once whatever the callback reports.
//
// A slot whose entry is gone from storage is stepped over as well: DrainOne
// returns DrainSkipped, a nil entry and an error wrapping ErrEntryMissing,
// and apply is not called.
func (q *Queue) DrainOne(apply func(*types.DelayedEntry) ApplyOutcome) (DrainOutcome, *types.DelayedEntry, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	entry, empty, err := q.advance()
	if errors.Is(err, ErrEntryMissing) {
		return DrainSkipped, nil, err
	}
	if err != nil || empty {
		return DrainEmpty, nil, err
	}
	if apply(entry) == Applied {
		return DrainApplied, entry, nil
	}
	return DrainSkipped, entry, nil
}

func (q *Queue) advance() (*types.DelayedEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx, err := q.loadIndexes()
	if err != nil {
		return nil, false, err
	}
	if idx.Executing == idx.Next {
		return nil, true, nil
	}
	entry, loadErr := q.loadEntry(idx.Executing)
	if loadErr != nil && !errors.Is(loadErr, ErrEntryMissing) {
		return nil, false, loadErr
	}
	idx.Executing++
	encoded, err := rlp.EncodeToBytes(&idx)
	if err != nil {
		return nil, false, err
	}
	if err := q.db.Put(q.indexKey, encoded); err != nil {
		return nil, false, err
	}
	return entry, false, loadErr
}
