package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestSignRawRecoversSigner(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	digest := crypto.Keccak256([]byte("omniverse"))
	sig, err := key.SignRaw(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	recovered, err := RecoverRaw(digest, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != key.PubKey().Raw() {
		t.Fatalf("recovered key mismatch")
	}

	legacy := sig
	legacy[64] += 27
	recovered, err = RecoverRaw(digest, legacy)
	if err != nil {
		t.Fatalf("recover legacy v: %v", err)
	}
	if recovered != key.PubKey().Raw() {
		t.Fatalf("legacy recovery id produced a different key")
	}
}

func TestRecoverRawRejectsMalformed(t *testing.T) {
	digest := crypto.Keccak256([]byte("omniverse"))
	var zero [SignatureLength]byte
	if _, err := RecoverRaw(digest, zero); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature, got %v", err)
	}
	var badV [SignatureLength]byte
	badV[64] = 9
	if _, err := RecoverRaw(digest, badV); !errors.Is(err, ErrMalformedSignature) {
		t.Fatalf("expected ErrMalformedSignature for bad recovery id, got %v", err)
	}
}

func TestPublicKeyFromRawRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	raw := key.PubKey().Raw()
	parsed, err := PublicKeyFromRaw(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Raw() != raw {
		t.Fatalf("round trip mismatch")
	}

	var junk [PublicKeyLength]byte
	junk[0] = 1
	if _, err := PublicKeyFromRaw(junk); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("expected ErrInvalidPublicKey, got %v", err)
	}
}

func TestAddressBech32(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := key.PubKey().Address()
	encoded := addr.String()
	if !strings.HasPrefix(encoded, "omni1") {
		t.Fatalf("unexpected address encoding %q", encoded)
	}
	decoded, err := DecodeAddress(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.String() != encoded {
		t.Fatalf("decoded address mismatch: %s != %s", decoded, encoded)
	}
}

func TestSignerKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "signer.json")
	if err := SaveSignerKey(path, key, "secret"); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("keystore mode %o, want 600", perm)
	}
	if err := SaveSignerKey(path, key, "rotated"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := LoadSignerKey(path, "secret"); err == nil {
		t.Fatalf("expected the replaced keystore to reject the old passphrase")
	}
	loaded, err := LoadSignerKey(path, "rotated")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PubKey().Raw() != key.PubKey().Raw() {
		t.Fatalf("loaded key mismatch")
	}
	if _, err := LoadSignerKey(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to fail")
	}
}
