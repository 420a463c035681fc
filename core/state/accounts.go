package state

import (
	"encoding/binary"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"omniverse/core/types"
	"omniverse/storage"
)

var (
	ErrHistoryNotFound = errors.New("state: history entry not found")
	ErrNonceMismatch   = errors.New("state: record nonce does not match account nonce")
)

var (
	accountPrefix = []byte("omniverse/account/")
	historyPrefix = []byte("omniverse/history/")
	evilPrefix    = []byte("omniverse/evil/")
)

// accountHeader is the fixed-size part of an omniverse account. History
// entries and equivocation evidence live under their own keys.
type accountHeader struct {
	Nonce     uint64
	Malicious bool
	HasLast   bool
	LastTime  uint64
}

func accountKey(pk types.PublicKey) []byte {
	buf := make([]byte, len(accountPrefix)+len(pk))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], pk[:])
	return ethcrypto.Keccak256(buf)
}

func historyKey(pk types.PublicKey, nonce uint64) []byte {
	buf := make([]byte, len(historyPrefix)+len(pk)+8)
	copy(buf, historyPrefix)
	copy(buf[len(historyPrefix):], pk[:])
	binary.BigEndian.PutUint64(buf[len(historyPrefix)+len(pk):], nonce)
	return ethcrypto.Keccak256(buf)
}

func evilKey(pk types.PublicKey) []byte {
	buf := make([]byte, len(evilPrefix)+len(pk))
	copy(buf, evilPrefix)
	copy(buf[len(evilPrefix):], pk[:])
	return ethcrypto.Keccak256(buf)
}

// AccountRegistry holds the per-account nonce, history and malicious flag of
// every omniverse account. It performs no validation beyond the nonce
// precondition of RecordSuccess; ordering rules belong to the validator.
type AccountRegistry struct {
	db storage.Database
}

func NewAccountRegistry(db storage.Database) *AccountRegistry {
	return &AccountRegistry{db: db}
}

func (r *AccountRegistry) loadHeader(pk types.PublicKey) (*accountHeader, error) {
	data, err := r.db.Get(accountKey(pk))
	if errors.Is(err, storage.ErrNotFound) {
		return &accountHeader{}, nil
	}
	if err != nil {
		return nil, err
	}
	header := new(accountHeader)
	if err := rlp.DecodeBytes(data, header); err != nil {
		return nil, fmt.Errorf("decode account header: %w", err)
	}
	return header, nil
}

// Nonce returns the next expected nonce; zero for unseen accounts.
func (r *AccountRegistry) Nonce(pk types.PublicKey) (uint64, error) {
	header, err := r.loadHeader(pk)
	if err != nil {
		return 0, err
	}
	return header.Nonce, nil
}

// HistoryEntry returns the record accepted at nonce or ErrHistoryNotFound.
func (r *AccountRegistry) HistoryEntry(pk types.PublicKey, nonce uint64) (*types.TransactionRecord, error) {
	data, err := r.db.Get(historyKey(pk, nonce))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrHistoryNotFound
	}
	if err != nil {
		return nil, err
	}
	return types.DecodeRecord(data)
}

func (r *AccountRegistry) IsMalicious(pk types.PublicKey) (bool, error) {
	header, err := r.loadHeader(pk)
	if err != nil {
		return false, err
	}
	return header.Malicious, nil
}

// LastTransactionTime returns the acceptance time of the latest record. The
// boolean is false when the account has never transacted.
func (r *AccountRegistry) LastTransactionTime(pk types.PublicKey) (uint64, bool, error) {
	header, err := r.loadHeader(pk)
	if err != nil {
		return 0, false, err
	}
	return header.LastTime, header.HasLast, nil
}

// RecordSuccess appends rec to the account history, advances the nonce and
// stamps the last transaction time in a single batch.
func (r *AccountRegistry) RecordSuccess(pk types.PublicKey, rec *types.TransactionRecord, now uint64) error {
	if rec == nil {
		return fmt.Errorf("state: nil transaction record")
	}
	header, err := r.loadHeader(pk)
	if err != nil {
		return err
	}
	if rec.Data.Nonce != header.Nonce {
		return fmt.Errorf("%w: record %d, account %d", ErrNonceMismatch, rec.Data.Nonce, header.Nonce)
	}
	encodedRec, err := types.EncodeRecord(rec)
	if err != nil {
		return err
	}
	header.Nonce++
	header.HasLast = true
	header.LastTime = now
	encodedHeader, err := rlp.EncodeToBytes(header)
	if err != nil {
		return err
	}

	batch := r.db.NewBatch()
	batch.Put(historyKey(pk, rec.Data.Nonce), encodedRec)
	batch.Put(accountKey(pk), encodedHeader)
	return batch.Write()
}

// MarkMalicious flags the account permanently. When evidence is non-nil it is
// appended to the account's equivocation record.
func (r *AccountRegistry) MarkMalicious(pk types.PublicKey, evidence *types.EvilRecord) error {
	header, err := r.loadHeader(pk)
	if err != nil {
		return err
	}
	header.Malicious = true
	encodedHeader, err := rlp.EncodeToBytes(header)
	if err != nil {
		return err
	}

	batch := r.db.NewBatch()
	batch.Put(accountKey(pk), encodedHeader)
	if evidence != nil {
		records, err := r.EvilRecords(pk)
		if err != nil {
			return err
		}
		records = append(records, *evidence)
		encoded, err := rlp.EncodeToBytes(records)
		if err != nil {
			return err
		}
		batch.Put(evilKey(pk), encoded)
	}
	return batch.Write()
}

// EvilRecords returns the equivocation evidence collected for the account.
func (r *AccountRegistry) EvilRecords(pk types.PublicKey) ([]types.EvilRecord, error) {
	data, err := r.db.Get(evilKey(pk))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []types.EvilRecord
	if err := rlp.DecodeBytes(data, &records); err != nil {
		return nil, fmt.Errorf("decode evil records: %w", err)
	}
	return records, nil
}
