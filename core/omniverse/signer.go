package omniverse

import (
	"errors"
	"fmt"

	"omniverse/core/types"
	"omniverse/crypto"
)

var ErrSignerMismatch = errors.New("omniverse: signature does not recover the sender")

// Verifier checks that a transaction's signature was produced by its sender.
// It holds no state besides the signing scheme shared by every execution
// space.
type Verifier struct {
	scheme types.SignatureScheme
}

func NewVerifier(scheme types.SignatureScheme) *Verifier {
	if !scheme.Valid() {
		scheme = types.SchemeRaw
	}
	return &Verifier{scheme: scheme}
}

func (v *Verifier) Scheme() types.SignatureScheme { return v.scheme }

// Verify recovers the signer over the canonical hash and compares it with
// tx.From byte for byte. Recovery failures wrap crypto.ErrMalformedSignature.
func (v *Verifier) Verify(tx *types.TransactionData) error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", crypto.ErrMalformedSignature)
	}
	recovered, err := crypto.RecoverRaw(tx.SigningHash(v.scheme), tx.Signature)
	if err != nil {
		return err
	}
	if types.PublicKey(recovered) != tx.From {
		return ErrSignerMismatch
	}
	return nil
}
