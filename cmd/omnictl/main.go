package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"omniverse/cmd/internal/passphrase"
	"omniverse/core/types"
	"omniverse/crypto"
)

const (
	defaultPassEnv  = "OMNI_SIGNER_PASS"
	defaultKeystore = "signer.keystore"
	defaultRPC      = "http://127.0.0.1:8080"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	args := os.Args[2:]
	switch os.Args[1] {
	case "keygen":
		err = runKeygen(args, os.Stdout)
	case "pubkey":
		err = runPubkey(args, os.Stdout)
	case "payload":
		err = runPayload(args, os.Stdout)
	case "sign":
		err = runSign(args, os.Stdout)
	case "hash":
		err = runHash(args, os.Stdin, os.Stdout)
	case "send":
		err = runSend(args, os.Stdin, os.Stdout)
	case "account":
		err = runAccount(args, os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: omnictl <command> [flags]

Commands:
  keygen    create an encrypted signer keystore
  pubkey    print the public key and address of a keystore
  payload   encode a fungible-token payload
  sign      build and sign a transaction, printing it as JSON
  hash      print the canonical hash of a transaction read from stdin
  send      submit a signed transaction read from stdin
  account   query nonce and malicious status of a public key`)
}

func loadKey(path, passEnv string) (*crypto.PrivateKey, error) {
	pass, err := passphrase.NewSource(passEnv, "").Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadSignerKey(path, pass)
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	keystore := fs.String("keystore", defaultKeystore, "Output path for the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*keystore); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystore)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "New signer keystore passphrase: ").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveSignerKey(*keystore, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	pk := types.PublicKey(key.PubKey().Raw())
	fmt.Fprintf(out, "keystore: %s\npublicKey: %s\naddress: %s\n", *keystore, pk.Hex(), pk.Address())
	return nil
}

func runPubkey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("pubkey", flag.ContinueOnError)
	keystore := fs.String("keystore", defaultKeystore, "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystore, *passEnv)
	if err != nil {
		return err
	}
	pk := types.PublicKey(key.PubKey().Raw())
	fmt.Fprintf(out, "publicKey: %s\naddress: %s\n", pk.Hex(), pk.Address())
	return nil
}

func parseOp(s string) (uint8, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "transfer":
		return types.OpTransfer, nil
	case "mint":
		return types.OpMint, nil
	case "burn":
		return types.OpBurn, nil
	default:
		return 0, fmt.Errorf("unknown op %q (want transfer, mint or burn)", s)
	}
}

func runPayload(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("payload", flag.ContinueOnError)
	op := fs.String("op", "transfer", "Operation: transfer, mint or burn")
	to := fs.String("to", "", "Recipient public key (transfer and mint)")
	amount := fs.String("amount", "0", "Decimal token amount")
	if err := fs.Parse(args); err != nil {
		return err
	}
	encoded, err := encodePayload(*op, *to, *amount)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hexutil.Encode(encoded))
	return nil
}

func encodePayload(op, to, amount string) ([]byte, error) {
	code, err := parseOp(op)
	if err != nil {
		return nil, err
	}
	value, err := uint256.FromDecimal(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	p := &types.FungiblePayload{Op: code, Amount: value}
	if code != types.OpBurn {
		recipient, err := types.ParsePublicKey(to)
		if err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		p.ExData = recipient[:]
	}
	return p.Encode()
}

func runSign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	keystore := fs.String("keystore", defaultKeystore, "Path to the keystore file")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	chainID := fs.Uint("chain-id", 1, "Originating chain identifier")
	initiateSC := fs.String("initiate-sc", "0x", "Hex encoded originating contract identifier")
	nonce := fs.Uint64("nonce", 0, "Sender nonce")
	payload := fs.String("payload", "0x", "Hex encoded payload (see omnictl payload)")
	scheme := fs.String("scheme", string(types.SchemeRaw), "Signature scheme: raw or ethereum")
	scope := fs.String("scope", "", "Scope (0x-hex or name); when set the output is a send envelope")
	if err := fs.Parse(args); err != nil {
		return err
	}
	key, err := loadKey(*keystore, *passEnv)
	if err != nil {
		return err
	}
	tx, err := buildTx(key, uint32(*chainID), *initiateSC, *nonce, *payload, types.SignatureScheme(*scheme))
	if err != nil {
		return err
	}
	var doc interface{} = tx
	if *scope != "" {
		scopeBytes, err := types.ParseScope(*scope)
		if err != nil {
			return fmt.Errorf("scope: %w", err)
		}
		doc = sendEnvelope{Scope: scopeBytes, Tx: tx}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

func buildTx(key *crypto.PrivateKey, chainID uint32, initiateSC string, nonce uint64, payload string, scheme types.SignatureScheme) (*types.TransactionData, error) {
	if !scheme.Valid() {
		return nil, fmt.Errorf("unknown signature scheme %q", scheme)
	}
	sc, err := hexutil.Decode(initiateSC)
	if err != nil {
		return nil, fmt.Errorf("initiate-sc: %w", err)
	}
	body, err := hexutil.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	tx := &types.TransactionData{
		ChainID:    chainID,
		InitiateSC: sc,
		From:       key.PubKey().Raw(),
		Nonce:      nonce,
		Payload:    body,
	}
	if err := tx.Sign(key, scheme); err != nil {
		return nil, err
	}
	return tx, nil
}

type sendEnvelope struct {
	Scope hexutil.Bytes          `json:"scope"`
	Tx    *types.TransactionData `json:"tx"`
}

// readEnvelope accepts either a bare transaction or a {scope, tx} envelope.
func readEnvelope(in io.Reader) (*sendEnvelope, error) {
	raw, err := io.ReadAll(in)
	if err != nil {
		return nil, err
	}
	env := &sendEnvelope{}
	if err := json.Unmarshal(raw, env); err == nil && env.Tx != nil {
		return env, nil
	}
	tx := &types.TransactionData{}
	if err := json.Unmarshal(raw, tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &sendEnvelope{Tx: tx}, nil
}

func runHash(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	scheme := fs.String("scheme", string(types.SchemeRaw), "Also print the signing digest for this scheme")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := readEnvelope(in)
	if err != nil {
		return err
	}
	hash := env.Tx.Hash()
	fmt.Fprintf(out, "hash: %s\n", hexutil.Encode(hash[:]))
	fmt.Fprintf(out, "signingHash: %s\n", hexutil.Encode(env.Tx.SigningHash(types.SignatureScheme(*scheme))))
	return nil
}

type rpcClient struct {
	endpoint string
	http     *http.Client
}

func newRPCClient(endpoint string) *rpcClient {
	return &rpcClient{
		endpoint: endpoint,
		http: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *rpcClient) call(method string, result interface{}, params ...interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var decoded struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int         `json:"code"`
			Message string      `json:"message"`
			Data    interface{} `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if result == nil || len(decoded.Result) == 0 {
		return errors.New("empty rpc result")
	}
	return json.Unmarshal(decoded.Result, result)
}

func rpcEndpoint(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv("OMNI_RPC_URL")); env != "" {
		return env
	}
	return defaultRPC
}

func runSend(args []string, in io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	endpoint := fs.String("rpc", "", "JSON-RPC endpoint (default $OMNI_RPC_URL or "+defaultRPC+")")
	scope := fs.String("scope", "", "Scope (0x-hex or name) overriding the envelope's")
	if err := fs.Parse(args); err != nil {
		return err
	}
	env, err := readEnvelope(in)
	if err != nil {
		return err
	}
	if *scope != "" {
		if env.Scope, err = types.ParseScope(*scope); err != nil {
			return fmt.Errorf("scope: %w", err)
		}
	}
	var result struct {
		Result   string `json:"result"`
		Accepted bool   `json:"accepted"`
		Hash     string `json:"hash"`
	}
	if err := newRPCClient(rpcEndpoint(*endpoint)).call("omni_sendTransaction", &result, env); err != nil {
		return err
	}
	fmt.Fprintf(out, "result: %s\naccepted: %t\nhash: %s\n", result.Result, result.Accepted, result.Hash)
	if !result.Accepted {
		return fmt.Errorf("transaction rejected: %s", result.Result)
	}
	return nil
}

func runAccount(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("account", flag.ContinueOnError)
	endpoint := fs.String("rpc", "", "JSON-RPC endpoint (default $OMNI_RPC_URL or "+defaultRPC+")")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: omnictl account [--rpc URL] <public key>")
	}
	pk, err := types.ParsePublicKey(fs.Arg(0))
	if err != nil {
		return err
	}
	client := newRPCClient(rpcEndpoint(*endpoint))
	var nonce uint64
	if err := client.call("omni_getTransactionCount", &nonce, pk.Hex()); err != nil {
		return err
	}
	var status struct {
		Malicious bool              `json:"malicious"`
		Evidence  []json.RawMessage `json:"evidence"`
	}
	if err := client.call("omni_isMalicious", &status, pk.Hex()); err != nil {
		return err
	}
	fmt.Fprintf(out, "address: %s\nnonce: %d\nmalicious: %t\nevidence: %d\n", pk.Address(), nonce, status.Malicious, len(status.Evidence))
	return nil
}
