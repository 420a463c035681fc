package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"omniverse/core/types"
)

type SendTransactionParams struct {
	Scope hexutil.Bytes          `json:"scope"`
	Tx    *types.TransactionData `json:"tx"`
}

type SendTransactionResult struct {
	Result   string `json:"result"`
	Accepted bool   `json:"accepted"`
	Hash     string `json:"hash"`
}

type TransactionDataResult struct {
	Found  bool                     `json:"found"`
	Record *types.TransactionRecord `json:"record,omitempty"`
	Hash   string                   `json:"hash,omitempty"`
}

type MaliciousResult struct {
	Malicious bool               `json:"malicious"`
	Evidence  []types.EvilRecord `json:"evidence"`
}

// HolderResult answers omni_getItemHolder and omni_getScopeOwner.
type HolderResult struct {
	Found  bool             `json:"found"`
	Holder *types.PublicKey `json:"holder,omitempty"`
}

type QueueStatusResult struct {
	Scope          hexutil.Bytes `json:"scope,omitempty"`
	ExecutingIndex uint64        `json:"executingIndex"`
	NextIndex      uint64        `json:"nextIndex"`
	Pending        uint64        `json:"pending"`
}

func parsePublicKeyParam(raw json.RawMessage) (types.PublicKey, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.PublicKey{}, fmt.Errorf("public key must be a hex string")
	}
	return types.ParsePublicKey(s)
}

// scopeParam reads an optional hex scope at index i.
func scopeParam(req *RPCRequest, i int) ([]byte, error) {
	if len(req.Params) <= i || string(bytes.TrimSpace(req.Params[i])) == "null" {
		return nil, nil
	}
	var scope hexutil.Bytes
	if err := json.Unmarshal(req.Params[i], &scope); err != nil {
		return nil, fmt.Errorf("scope must be 0x-prefixed hex: %v", err)
	}
	return scope, nil
}

func (s *Server) handleGetTransactionCount(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected public key parameter", nil)
		return
	}
	pk, err := parsePublicKeyParam(req.Params[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	count, err := s.backend.GetTransactionCount(pk)
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, count)
}

func (s *Server) handleGetTransactionData(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 2 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected public key and nonce parameters", nil)
		return
	}
	pk, err := parsePublicKeyParam(req.Params[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	var nonce uint64
	if err := json.Unmarshal(req.Params[1], &nonce); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "nonce must be an unsigned integer", err.Error())
		return
	}
	rec, ok, err := s.backend.GetTransactionData(pk, nonce)
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	if !ok {
		writeResult(w, req.ID, TransactionDataResult{Found: false})
		return
	}
	hash := rec.Data.Hash()
	writeResult(w, req.ID, TransactionDataResult{Found: true, Record: rec, Hash: hexutil.Encode(hash[:])})
}

func (s *Server) handleIsMalicious(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected public key parameter", nil)
		return
	}
	pk, err := parsePublicKeyParam(req.Params[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	malicious, err := s.backend.IsMalicious(pk)
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	evidence, err := s.backend.EvilRecords(pk)
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	if evidence == nil {
		evidence = []types.EvilRecord{}
	}
	writeResult(w, req.ID, MaliciousResult{Malicious: malicious, Evidence: evidence})
}

func (s *Server) handleSendTransaction(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected transaction object", nil)
		return
	}
	var params SendTransactionParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid transaction object", err.Error())
		return
	}
	if params.Tx == nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "tx is required", nil)
		return
	}
	result, err := s.backend.SendTransaction(params.Scope, params.Tx, s.now())
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	hash := params.Tx.Hash()
	writeResult(w, req.ID, SendTransactionResult{
		Result:   result.String(),
		Accepted: result.Accepted(),
		Hash:     hexutil.Encode(hash[:]),
	})
}

func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	scopes, err := s.backend.Scopes()
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	out := make([]hexutil.Bytes, 0, len(scopes))
	for _, scope := range scopes {
		out = append(out, scope)
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	scope, err := scopeParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	idx, err := s.backend.QueueIndexes(scope)
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, QueueStatusResult{
		Scope:          scope,
		ExecutingIndex: idx.Executing,
		NextIndex:      idx.Next,
		Pending:        idx.Pending(),
	})
}

func (s *Server) handlePendingEntries(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	scope, err := scopeParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	limit := 32
	if len(req.Params) > 1 {
		if err := json.Unmarshal(req.Params[1], &limit); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "limit must be a positive integer", nil)
			return
		}
	}
	if limit > maxPendingList {
		limit = maxPendingList
	}
	entries, err := s.backend.PendingEntries(scope, limit)
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	if entries == nil {
		entries = []*types.DelayedEntry{}
	}
	writeResult(w, req.ID, entries)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.balances == nil {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "no local ledger configured", nil)
		return
	}
	if len(req.Params) != 2 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected scope and public key parameters", nil)
		return
	}
	scope, err := scopeParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	pk, err := parsePublicKeyParam(req.Params[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	bal, err := s.balances.Balance(scope, pk)
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, bal.Dec())
}

// itemIDParam accepts a decimal string or a 0x-prefixed hex quantity.
func itemIDParam(raw json.RawMessage) (*uint256.Int, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("item id must be a string")
	}
	if len(s) > 1 && (s[:2] == "0x" || s[:2] == "0X") {
		return uint256.FromHex(s)
	}
	return uint256.FromDecimal(s)
}

func holderResult(pk types.PublicKey, ok bool) HolderResult {
	if !ok {
		return HolderResult{}
	}
	return HolderResult{Found: true, Holder: &pk}
}

func (s *Server) handleGetItemHolder(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.items == nil {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "no collection ledger configured", nil)
		return
	}
	if len(req.Params) != 2 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected scope and item id parameters", nil)
		return
	}
	scope, err := scopeParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	id, err := itemIDParam(req.Params[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	holder, ok, err := s.items.HolderOf(scope, id)
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, holderResult(holder, ok))
}

func (s *Server) handleGetScopeOwner(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if s.owners == nil {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, "no local ledger configured", nil)
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected a scope parameter", nil)
		return
	}
	scope, err := scopeParam(req, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	owner, ok, err := s.owners.Owner(scope)
	if err != nil {
		s.writeBackendError(w, r, req, err)
		return
	}
	writeResult(w, req.ID, holderResult(owner, ok))
}
