package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Payload opcodes shared by fungible and non-fungible ledgers.
const (
	OpTransfer uint8 = 0
	OpMint     uint8 = 1
	OpBurn     uint8 = 2
)

// FungiblePayload is the business payload understood by fungible-token
// ledgers. ExData carries the destination public key for transfers and mints.
type FungiblePayload struct {
	Op     uint8
	ExData []byte
	Amount *uint256.Int
}

// NonFungiblePayload is the business payload understood by collection
// ledgers.
type NonFungiblePayload struct {
	Op      uint8
	ExData  []byte
	TokenID *uint256.Int
}

func validOp(op uint8) error {
	switch op {
	case OpTransfer, OpMint, OpBurn:
		return nil
	default:
		return fmt.Errorf("unknown payload op %d", op)
	}
}

func (p *FungiblePayload) Encode() ([]byte, error) {
	if err := validOp(p.Op); err != nil {
		return nil, err
	}
	if p.Amount == nil {
		p.Amount = new(uint256.Int)
	}
	return rlp.EncodeToBytes(p)
}

func DecodeFungiblePayload(b []byte) (*FungiblePayload, error) {
	p := new(FungiblePayload)
	if err := rlp.DecodeBytes(b, p); err != nil {
		return nil, fmt.Errorf("decode fungible payload: %w", err)
	}
	if err := validOp(p.Op); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NonFungiblePayload) Encode() ([]byte, error) {
	if err := validOp(p.Op); err != nil {
		return nil, err
	}
	if p.TokenID == nil {
		p.TokenID = new(uint256.Int)
	}
	return rlp.EncodeToBytes(p)
}

func DecodeNonFungiblePayload(b []byte) (*NonFungiblePayload, error) {
	p := new(NonFungiblePayload)
	if err := rlp.DecodeBytes(b, p); err != nil {
		return nil, fmt.Errorf("decode non-fungible payload: %w", err)
	}
	if err := validOp(p.Op); err != nil {
		return nil, err
	}
	return p, nil
}

// Recipient interprets ExData as a destination public key.
func (p *FungiblePayload) Recipient() (PublicKey, error) {
	return recipient(p.ExData)
}

// Recipient interprets ExData as the new item holder.
func (p *NonFungiblePayload) Recipient() (PublicKey, error) {
	return recipient(p.ExData)
}

func recipient(exData []byte) (PublicKey, error) {
	var pk PublicKey
	if len(exData) != len(pk) {
		return pk, fmt.Errorf("payload recipient must be %d bytes, got %d", len(pk), len(exData))
	}
	copy(pk[:], exData)
	return pk, nil
}
