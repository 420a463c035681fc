package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	omnicrypto "omniverse/crypto"
)

// PublicKey identifies an omniverse account: an uncompressed secp256k1 point
// without the 0x04 marker.
type PublicKey [omnicrypto.PublicKeyLength]byte

func (pk PublicKey) Hex() string { return hexutil.Encode(pk[:]) }

func (pk PublicKey) String() string { return pk.Hex() }

// Address returns the bech32 display address of the key.
func (pk PublicKey) Address() string {
	return omnicrypto.AddressFromRaw(pk).String()
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.Hex()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// ParsePublicKey decodes a 0x-prefixed (or bare) hex public key. A 65-byte
// input carrying the 0x04 marker is accepted and trimmed.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("invalid public key: %w", err)
	}
	if len(raw) == len(pk)+1 && raw[0] == 0x04 {
		raw = raw[1:]
	}
	if len(raw) != len(pk) {
		return pk, fmt.Errorf("invalid public key: expected %d bytes, got %d", len(pk), len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// Signature is a recoverable [R || S || V] secp256k1 signature.
type Signature [omnicrypto.SignatureLength]byte

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hexutil.Encode(s[:])), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	raw, err := hexutil.Decode(string(text))
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if len(raw) != len(s) {
		return fmt.Errorf("invalid signature: expected %d bytes, got %d", len(s), len(raw))
	}
	copy(s[:], raw)
	return nil
}

// SignatureScheme selects the digest that transaction signatures commit to.
type SignatureScheme string

const (
	// SchemeRaw signs the canonical Keccak256 hash directly.
	SchemeRaw SignatureScheme = "raw"
	// SchemeEthereum signs the EIP-191 personal-message digest of the
	// canonical hash, as produced by Ethereum wallets.
	SchemeEthereum SignatureScheme = "ethereum"
)

func (s SignatureScheme) Valid() bool {
	return s == SchemeRaw || s == SchemeEthereum
}

// TransactionData is a signed omniverse operation as it arrives on the wire.
type TransactionData struct {
	ChainID    uint32        `json:"chainId"`
	InitiateSC hexutil.Bytes `json:"initiateSC"`
	From       PublicKey     `json:"from"`
	Nonce      uint64        `json:"nonce"`
	Payload    hexutil.Bytes `json:"payload"`
	Signature  Signature     `json:"signature"`
}

// Hash returns Keccak256 over the canonical pre-image:
//
//	chain_id    uint32 big-endian
//	initiate_sc uint32 big-endian length || bytes
//	from        64 bytes
//	nonce       uint64 big-endian
//	payload     uint32 big-endian length || bytes
//
// The signature is not part of the pre-image.
func (tx *TransactionData) Hash() [32]byte {
	buf := make([]byte, 0, 4+4+len(tx.InitiateSC)+len(tx.From)+8+4+len(tx.Payload))
	buf = binary.BigEndian.AppendUint32(buf, tx.ChainID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.InitiateSC)))
	buf = append(buf, tx.InitiateSC...)
	buf = append(buf, tx.From[:]...)
	buf = binary.BigEndian.AppendUint64(buf, tx.Nonce)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(tx.Payload)))
	buf = append(buf, tx.Payload...)

	var out [32]byte
	copy(out[:], crypto.Keccak256(buf))
	return out
}

// SigningHash returns the digest the signature must cover under scheme.
func (tx *TransactionData) SigningHash(scheme SignatureScheme) []byte {
	h := tx.Hash()
	if scheme == SchemeEthereum {
		return accounts.TextHash(h[:])
	}
	return h[:]
}

// Sign fills in the signature using key under scheme.
func (tx *TransactionData) Sign(key *omnicrypto.PrivateKey, scheme SignatureScheme) error {
	sig, err := key.SignRaw(tx.SigningHash(scheme))
	if err != nil {
		return err
	}
	tx.Signature = sig
	return nil
}

// Identical reports whether both transactions carry exactly the same bytes,
// signature included.
func (tx *TransactionData) Identical(other *TransactionData) bool {
	if tx == nil || other == nil {
		return tx == other
	}
	return tx.ChainID == other.ChainID &&
		tx.Nonce == other.Nonce &&
		tx.From == other.From &&
		tx.Signature == other.Signature &&
		bytes.Equal(tx.InitiateSC, other.InitiateSC) &&
		bytes.Equal(tx.Payload, other.Payload)
}

// SameContent reports whether both transactions commit to the same signed
// fields. Signatures are ignored: one secp256k1 signature has several valid
// encodings (27/28 recovery ids, high-S), so two copies of one signed
// transaction may differ in their signature bytes.
func (tx *TransactionData) SameContent(other *TransactionData) bool {
	if tx == nil || other == nil {
		return tx == other
	}
	return tx.Hash() == other.Hash()
}

// Copy returns a deep copy of the transaction.
func (tx *TransactionData) Copy() *TransactionData {
	cp := *tx
	cp.InitiateSC = append(hexutil.Bytes(nil), tx.InitiateSC...)
	cp.Payload = append(hexutil.Bytes(nil), tx.Payload...)
	return &cp
}

// TransactionRecord is an accepted transaction together with the time it was
// accepted. Records are immutable once stored.
type TransactionRecord struct {
	Data      TransactionData `json:"data"`
	Timestamp uint64          `json:"timestamp"`
}

// EvilRecord is the evidence kept when an account equivocates: the conflicting
// transaction and the historical nonce it collided with.
type EvilRecord struct {
	Record          TransactionRecord `json:"record"`
	HistoricalNonce uint64            `json:"historicalNonce"`
}

// DelayedEntry is a validated transaction awaiting application.
type DelayedEntry struct {
	Sender     PublicKey     `json:"sender"`
	Scope      hexutil.Bytes `json:"scope"`
	Nonce      uint64        `json:"nonce"`
	EnqueuedAt uint64        `json:"enqueuedAt"`
}

func EncodeRecord(rec *TransactionRecord) ([]byte, error) {
	return rlp.EncodeToBytes(rec)
}

func DecodeRecord(b []byte) (*TransactionRecord, error) {
	rec := new(TransactionRecord)
	if err := rlp.DecodeBytes(b, rec); err != nil {
		return nil, fmt.Errorf("decode transaction record: %w", err)
	}
	return rec, nil
}
