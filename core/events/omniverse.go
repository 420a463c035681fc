package events

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"omniverse/core/types"
)

const (
	// TypeTransactionSent is emitted when a locally originated transaction is
	// accepted.
	TypeTransactionSent = "omniverse.transaction.sent"
	// TypeTransactionExecuted is emitted after every drain attempt.
	TypeTransactionExecuted = "omniverse.transaction.executed"
	// TypeAccountFlagged is emitted when equivocation is first detected.
	TypeAccountFlagged = "omniverse.account.flagged"
)

type TransactionSent struct {
	From  types.PublicKey
	Scope []byte
	Nonce uint64
}

func (TransactionSent) EventType() string { return TypeTransactionSent }

func (e TransactionSent) Event() *types.Event {
	return &types.Event{
		Type: TypeTransactionSent,
		Attributes: map[string]string{
			"from":    e.From.Hex(),
			"address": e.From.Address(),
			"scope":   hexutil.Encode(e.Scope),
			"nonce":   strconv.FormatUint(e.Nonce, 10),
		},
	}
}

type TransactionExecuted struct {
	From    types.PublicKey
	Scope   []byte
	Nonce   uint64
	Applied bool
	Reason  string
}

func (TransactionExecuted) EventType() string { return TypeTransactionExecuted }

func (e TransactionExecuted) Event() *types.Event {
	attrs := map[string]string{
		"from":    e.From.Hex(),
		"scope":   hexutil.Encode(e.Scope),
		"nonce":   strconv.FormatUint(e.Nonce, 10),
		"applied": strconv.FormatBool(e.Applied),
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeTransactionExecuted, Attributes: attrs}
}

type AccountFlagged struct {
	Account types.PublicKey
	Nonce   uint64
}

func (AccountFlagged) EventType() string { return TypeAccountFlagged }

func (e AccountFlagged) Event() *types.Event {
	return &types.Event{
		Type: TypeAccountFlagged,
		Attributes: map[string]string{
			"account": e.Account.Hex(),
			"address": e.Account.Address(),
			"nonce":   strconv.FormatUint(e.Nonce, 10),
		},
	}
}
