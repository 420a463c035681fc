package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// PublicKeyLength is the width of an uncompressed secp256k1 point with the
	// leading 0x04 marker stripped.
	PublicKeyLength = 64
	// SignatureLength is the width of a recoverable [R || S || V] signature.
	SignatureLength = 65
)

var (
	ErrMalformedSignature = errors.New("crypto: malformed signature")
	ErrInvalidPublicKey   = errors.New("crypto: invalid public key")
)

// AddressPrefix defines the human-readable part of bech32 account addresses.
type AddressPrefix string

const OmniPrefix AddressPrefix = "omni"

// Address is the 20-byte account identifier derived from an omniverse public
// key. It is only used for display; the protocol itself keys state on the
// full public key.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("address must be 20 bytes long, got %d", len(b))
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}, nil
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		return ""
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// AddressFromRaw derives the display address for a raw 64-byte public key.
func AddressFromRaw(raw [PublicKeyLength]byte) Address {
	hash := crypto.Keccak256(raw[:])
	addr, _ := NewAddress(OmniPrefix, hash[12:])
	return addr
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// SignRaw produces a recoverable signature over a 32-byte digest. V is 0 or 1.
func (k *PrivateKey) SignRaw(digest []byte) ([SignatureLength]byte, error) {
	var out [SignatureLength]byte
	sig, err := crypto.Sign(digest, k.PrivateKey)
	if err != nil {
		return out, err
	}
	copy(out[:], sig)
	return out, nil
}

// Raw returns the 64-byte uncompressed point without the 0x04 marker.
func (k *PublicKey) Raw() [PublicKeyLength]byte {
	var out [PublicKeyLength]byte
	copy(out[:], crypto.FromECDSAPub(k.PublicKey)[1:])
	return out
}

func (k *PublicKey) Address() Address {
	return AddressFromRaw(k.Raw())
}

// PublicKeyFromRaw parses a 64-byte uncompressed point and checks it lies on
// the secp256k1 curve.
func PublicKeyFromRaw(raw [PublicKeyLength]byte) (*PublicKey, error) {
	buf := make([]byte, 0, PublicKeyLength+1)
	buf = append(buf, 0x04)
	buf = append(buf, raw[:]...)
	pub, err := crypto.UnmarshalPubkey(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return &PublicKey{pub}, nil
}

// RecoverRaw recovers the signer of digest and returns its raw 64-byte public
// key. Legacy 27/28 recovery ids are accepted.
func RecoverRaw(digest []byte, sig [SignatureLength]byte) ([PublicKeyLength]byte, error) {
	var out [PublicKeyLength]byte
	normalized := sig
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return out, ErrMalformedSignature
	}
	pub, err := crypto.Ecrecover(digest, normalized[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	if len(pub) != PublicKeyLength+1 {
		return out, ErrMalformedSignature
	}
	copy(out[:], pub[1:])
	return out, nil
}
