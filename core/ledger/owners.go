package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"omniverse/core/types"
	"omniverse/storage"
)

// ErrNotOwner is returned when a mint is signed by someone other than the
// scope's owner.
var ErrNotOwner = errors.New("ledger: signer is not the scope owner")

// scopedKey derives a storage key for material that lives under scope. The
// scope is length-prefixed so scope and suffix cannot run into each other.
func scopedKey(prefix string, scope []byte, suffix []byte) []byte {
	buf := make([]byte, 0, len(prefix)+4+len(scope)+len(suffix))
	buf = append(buf, prefix...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(scope)))
	buf = append(buf, scope...)
	buf = append(buf, suffix...)
	return ethcrypto.Keccak256(buf)
}

// scopeOwners records which account may mint in each scope. A scope with no
// recorded owner is claimed by its first minter.
type scopeOwners struct {
	db     storage.Database
	prefix string
}

func newScopeOwners(db storage.Database, kind string) scopeOwners {
	return scopeOwners{db: db, prefix: "ledger/" + kind + "/owner/"}
}

func (o scopeOwners) get(scope []byte) (types.PublicKey, bool, error) {
	var pk types.PublicKey
	data, err := o.db.Get(scopedKey(o.prefix, scope, nil))
	if errors.Is(err, storage.ErrNotFound) {
		return pk, false, nil
	}
	if err != nil {
		return pk, false, err
	}
	if len(data) != len(pk) {
		return pk, false, fmt.Errorf("ledger: corrupt owner record of %d bytes", len(data))
	}
	copy(pk[:], data)
	return pk, true, nil
}

func (o scopeOwners) set(scope []byte, pk types.PublicKey) error {
	return o.db.Put(scopedKey(o.prefix, scope, nil), pk[:])
}

// authorizeMint checks sender against scope's owner, staging a claim in batch
// when the scope has none yet.
func (o scopeOwners) authorizeMint(batch storage.Batch, scope []byte, sender types.PublicKey) error {
	owner, ok, err := o.get(scope)
	if err != nil {
		return err
	}
	if !ok {
		batch.Put(scopedKey(o.prefix, scope, nil), sender[:])
		return nil
	}
	if owner != sender {
		return fmt.Errorf("%w: owner is %s", ErrNotOwner, owner.Address())
	}
	return nil
}
