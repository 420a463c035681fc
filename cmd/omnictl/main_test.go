package main

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus"

	"omniverse/core/omniverse"
	"omniverse/core/types"
	"omniverse/rpc"
	"omniverse/storage"
)

func keygen(t *testing.T) string {
	t.Helper()
	t.Setenv(defaultPassEnv, "correct horse")
	path := filepath.Join(t.TempDir(), "signer.keystore")
	var out bytes.Buffer
	if err := runKeygen([]string{"--keystore", path}, &out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if !strings.Contains(out.String(), "publicKey: 0x") {
		t.Fatalf("unexpected keygen output %q", out.String())
	}
	if err := runKeygen([]string{"--keystore", path}, &out); err == nil {
		t.Fatalf("expected refusal to overwrite keystore")
	}
	return path
}

func TestEncodePayload(t *testing.T) {
	var pk types.PublicKey
	pk[63] = 9
	encoded, err := encodePayload("mint", pk.Hex(), "1000000000000000000000")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := types.DecodeFungiblePayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Op != types.OpMint || decoded.Amount.Dec() != "1000000000000000000000" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if _, err := encodePayload("swap", "", "1"); err == nil {
		t.Fatalf("expected unknown op error")
	}
	if _, err := encodePayload("transfer", "0x12", "1"); err == nil {
		t.Fatalf("expected recipient error")
	}
	if _, err := encodePayload("burn", "", "1"); err != nil {
		t.Fatalf("burn needs no recipient: %v", err)
	}
}

func TestSignHashAndSend(t *testing.T) {
	path := keygen(t)

	var signed bytes.Buffer
	err := runSign([]string{"--keystore", path, "--chain-id", "3", "--nonce", "0", "--payload", "0xc0", "--scope", "0x01"}, &signed)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var env sendEnvelope
	if err := json.Unmarshal(signed.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Tx == nil || env.Tx.ChainID != 3 || hexutil.Encode(env.Scope) != "0x01" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	var hashed bytes.Buffer
	if err := runHash(nil, bytes.NewReader(signed.Bytes()), &hashed); err != nil {
		t.Fatalf("hash: %v", err)
	}
	want := env.Tx.Hash()
	if !strings.Contains(hashed.String(), hexutil.Encode(want[:])) {
		t.Fatalf("hash output %q lacks %x", hashed.String(), want)
	}

	protocol, err := omniverse.New(storage.NewMemDB(), omniverse.Config{ChainID: 3})
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	reg := prometheus.NewRegistry()
	server := httptest.NewServer(rpc.NewServer(protocol, rpc.ServerConfig{Registerer: reg, Gatherer: reg}, nil).Handler())
	defer server.Close()

	var sent bytes.Buffer
	if err := runSend([]string{"--rpc", server.URL}, bytes.NewReader(signed.Bytes()), &sent); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(sent.String(), "result: Success") {
		t.Fatalf("unexpected send output %q", sent.String())
	}

	var account bytes.Buffer
	if err := runAccount([]string{"--rpc", server.URL, env.Tx.From.Hex()}, &account); err != nil {
		t.Fatalf("account: %v", err)
	}
	if !strings.Contains(account.String(), "nonce: 1") || !strings.Contains(account.String(), "malicious: false") {
		t.Fatalf("unexpected account output %q", account.String())
	}

	// A second, different transaction at the same nonce is equivocation.
	var conflicting bytes.Buffer
	if err := runSign([]string{"--keystore", path, "--chain-id", "3", "--nonce", "0", "--payload", "0xc1"}, &conflicting); err != nil {
		t.Fatalf("sign conflict: %v", err)
	}
	sent.Reset()
	if err := runSend([]string{"--rpc", server.URL, "--scope", "0x01"}, bytes.NewReader(conflicting.Bytes()), &sent); err == nil {
		t.Fatalf("expected rejected send to return an error")
	}
	if !strings.Contains(sent.String(), "result: Malicious") {
		t.Fatalf("unexpected conflict output %q", sent.String())
	}
}

func TestPubkeyMatchesKeygen(t *testing.T) {
	path := keygen(t)
	var out bytes.Buffer
	if err := runPubkey([]string{"--keystore", path}, &out); err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	if !strings.Contains(out.String(), "address: omni1") {
		t.Fatalf("unexpected pubkey output %q", out.String())
	}
}

func TestSignAcceptsScopeNames(t *testing.T) {
	path := keygen(t)

	var signed bytes.Buffer
	err := runSign([]string{"--keystore", path, "--nonce", "0", "--payload", "0xc0", "--scope", "ｇold"}, &signed)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var env sendEnvelope
	if err := json.Unmarshal(signed.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if string(env.Scope) != "gold" {
		t.Fatalf("scope name not normalised: %q", env.Scope)
	}
}
