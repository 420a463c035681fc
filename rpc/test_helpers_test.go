package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"omniverse/core/omniverse"
	"omniverse/core/types"
	"omniverse/crypto"
	"omniverse/storage"
)

const testChainID uint32 = 7

func newTestServer(t testing.TB, cfg omniverse.Config, srvCfg ServerConfig) (*Server, *omniverse.Protocol) {
	t.Helper()
	if cfg.ChainID == 0 {
		cfg.ChainID = testChainID
	}
	protocol, err := omniverse.New(storage.NewMemDB(), cfg)
	if err != nil {
		t.Fatalf("new protocol: %v", err)
	}
	reg := prometheus.NewRegistry()
	srvCfg.Registerer = reg
	srvCfg.Gatherer = reg
	server := NewServer(protocol, srvCfg, nil)
	return server, protocol
}

func newSigner(t testing.TB) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signedTx(t testing.TB, key *crypto.PrivateKey, nonce uint64, payload string) *types.TransactionData {
	t.Helper()
	tx := &types.TransactionData{
		ChainID:    testChainID,
		InitiateSC: []byte("assets"),
		From:       key.PubKey().Raw(),
		Nonce:      nonce,
		Payload:    []byte(payload),
	}
	if err := tx.Sign(key, types.SchemeRaw); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func call(t testing.TB, handler http.Handler, method string, params ...interface{}) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		encoded, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		rawParams = append(rawParams, encoded)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: rawParams, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var resp RPCResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

// decodeResult re-marshals the generic result into out.
func decodeResult(t testing.TB, resp RPCResponse, out interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	encoded, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(encoded, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}
