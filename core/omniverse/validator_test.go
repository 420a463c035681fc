package omniverse

import (
	"math/big"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/stretchr/testify/require"

	"omniverse/core/delayed"
	"omniverse/core/events"
	"omniverse/core/state"
	"omniverse/core/types"
	"omniverse/crypto"
	"omniverse/storage"
)

const testChainID uint32 = 1

type harness struct {
	t         *testing.T
	db        *storage.MemDB
	accounts  *state.AccountRegistry
	queue     *delayed.Queue
	validator *Validator
	events    *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storage.NewMemDB()
	h := &harness{
		t:        t,
		db:       db,
		accounts: state.NewAccountRegistry(db),
		queue:    delayed.NewQueue(db, "test"),
		events:   &events.Recorder{},
	}
	h.validator = NewValidator(testChainID, h.accounts, NewVerifier(types.SchemeRaw), h.queue)
	h.validator.SetEmitter(h.events)
	return h
}

func newKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func buildTx(t *testing.T, key *crypto.PrivateKey, nonce uint64, payload string) *types.TransactionData {
	t.Helper()
	tx := &types.TransactionData{
		ChainID:    testChainID,
		InitiateSC: []byte("assets"),
		From:       key.PubKey().Raw(),
		Nonce:      nonce,
		Payload:    []byte(payload),
	}
	require.NoError(t, tx.Sign(key, types.SchemeRaw))
	return tx
}

func (h *harness) verify(tx *types.TransactionData, now, cooldown uint64) types.VerifyResult {
	h.t.Helper()
	result, err := h.validator.VerifyTransaction([]byte("token"), tx, now, cooldown)
	require.NoError(h.t, err)
	return result
}

func (h *harness) nonce(pk types.PublicKey) uint64 {
	h.t.Helper()
	n, err := h.accounts.Nonce(pk)
	require.NoError(h.t, err)
	return n
}

func (h *harness) pending() uint64 {
	h.t.Helper()
	idx, err := h.queue.Indexes()
	require.NoError(h.t, err)
	return idx.Pending()
}

func TestVerifySuccessAdvancesNonceAndQueues(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)
	pk := types.PublicKey(key.PubKey().Raw())

	for n := uint64(0); n < 3; n++ {
		require.Equal(t, types.VerifyResultSuccess, h.verify(buildTx(t, key, n, "op"), 100*(n+1), 10))
		require.Equal(t, n+1, h.nonce(pk))
	}
	require.Equal(t, uint64(3), h.pending())

	entry, err := h.queue.PeekNext()
	require.NoError(t, err)
	require.Equal(t, pk, entry.Sender)
	require.Equal(t, []byte("token"), []byte(entry.Scope))
	require.Equal(t, uint64(0), entry.Nonce)
	require.Equal(t, uint64(100), entry.EnqueuedAt)

	rec, err := h.accounts.HistoryEntry(pk, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(200), rec.Timestamp)
}

func TestVerifyDuplicateIsNoop(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)
	pk := types.PublicKey(key.PubKey().Raw())
	tx := buildTx(t, key, 0, "op")

	require.Equal(t, types.VerifyResultSuccess, h.verify(tx, 0, 10))
	require.Equal(t, types.VerifyResultDuplicated, h.verify(tx.Copy(), 0, 10))
	require.Equal(t, types.VerifyResultDuplicated, h.verify(tx.Copy(), 500, 10))

	require.Equal(t, uint64(1), h.nonce(pk))
	require.Equal(t, uint64(1), h.pending())
	malicious, err := h.accounts.IsMalicious(pk)
	require.NoError(t, err)
	require.False(t, malicious)
}

func TestVerifyEquivocationFlagsAccountForever(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)
	pk := types.PublicKey(key.PubKey().Raw())

	require.Equal(t, types.VerifyResultSuccess, h.verify(buildTx(t, key, 0, "transfer"), 0, 0))
	require.Equal(t, types.VerifyResultMalicious, h.verify(buildTx(t, key, 0, "mint"), 1, 0))

	require.Equal(t, types.VerifyResultMalicious, h.verify(buildTx(t, key, 1, "next"), 100, 0))
	require.Equal(t, types.VerifyResultMalicious, h.verify(buildTx(t, key, 0, "transfer"), 100, 0))
	garbage := buildTx(t, key, 7, "x")
	garbage.Signature = types.Signature{}
	require.Equal(t, types.VerifyResultMalicious, h.verify(garbage, 100, 0))

	require.Equal(t, uint64(1), h.nonce(pk))
	require.Equal(t, uint64(1), h.pending())

	evidence, err := h.accounts.EvilRecords(pk)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	require.Equal(t, "mint", string(evidence[0].Record.Data.Payload))
	require.Equal(t, uint64(0), evidence[0].HistoricalNonce)

	var flagged int
	for _, e := range h.events.Events() {
		if e.EventType() == events.TypeAccountFlagged {
			flagged++
		}
	}
	require.Equal(t, 1, flagged)
}

func TestVerifyReencodedSignatureIsDuplicate(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)
	pk := types.PublicKey(key.PubKey().Raw())
	tx := buildTx(t, key, 0, "op")
	require.Equal(t, types.VerifyResultSuccess, h.verify(tx, 0, 0))

	legacyV := tx.Copy()
	legacyV.Signature[64] += 27
	require.Equal(t, types.VerifyResultDuplicated, h.verify(legacyV, 1, 0))

	highS := tx.Copy()
	s := new(big.Int).SetBytes(highS.Signature[32:64])
	new(big.Int).Sub(ethcrypto.S256().Params().N, s).FillBytes(highS.Signature[32:64])
	highS.Signature[64] ^= 1
	require.Equal(t, types.VerifyResultDuplicated, h.verify(highS, 2, 0))

	malicious, err := h.accounts.IsMalicious(pk)
	require.NoError(t, err)
	require.False(t, malicious)
	require.Equal(t, uint64(1), h.nonce(pk))
	require.Equal(t, uint64(1), h.pending())
}

func TestVerifyCanonicalResubmissionAfterLegacyAcceptance(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)
	pk := types.PublicKey(key.PubKey().Raw())

	canonical := buildTx(t, key, 0, "op")
	legacy := canonical.Copy()
	legacy.Signature[64] += 27
	require.Equal(t, types.VerifyResultSuccess, h.verify(legacy, 0, 0))
	require.Equal(t, types.VerifyResultDuplicated, h.verify(canonical, 1, 0))

	malicious, err := h.accounts.IsMalicious(pk)
	require.NoError(t, err)
	require.False(t, malicious)
}

func TestVerifyForgedConflictDoesNotCondemn(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)
	attacker := newKey(t)
	pk := types.PublicKey(key.PubKey().Raw())

	require.Equal(t, types.VerifyResultSuccess, h.verify(buildTx(t, key, 0, "op"), 0, 0))

	forged := buildTx(t, attacker, 0, "forged")
	forged.From = pk
	require.Equal(t, types.VerifyResultSignatureError, h.verify(forged, 1, 0))

	malicious, err := h.accounts.IsMalicious(pk)
	require.NoError(t, err)
	require.False(t, malicious)
}

func TestVerifyNonceGapLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)
	pk := types.PublicKey(key.PubKey().Raw())

	require.Equal(t, types.VerifyResultSuccess, h.verify(buildTx(t, key, 0, "op"), 0, 0))
	require.Equal(t, types.VerifyResultNonceError, h.verify(buildTx(t, key, 2, "op"), 50, 0))

	require.Equal(t, uint64(1), h.nonce(pk))
	require.Equal(t, uint64(1), h.pending())
	last, _, err := h.accounts.LastTransactionTime(pk)
	require.NoError(t, err)
	require.Equal(t, uint64(0), last)
}

func TestVerifySignatureErrors(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)
	other := newKey(t)

	zeroSig := buildTx(t, key, 0, "op")
	zeroSig.Signature = types.Signature{}
	require.Equal(t, types.VerifyResultSignatureError, h.verify(zeroSig, 0, 0))

	wrongSigner := buildTx(t, other, 0, "op")
	wrongSigner.From = key.PubKey().Raw()
	require.Equal(t, types.VerifyResultSignatureError, h.verify(wrongSigner, 0, 0))

	tampered := buildTx(t, key, 0, "op")
	tampered.Payload = []byte("changed")
	require.Equal(t, types.VerifyResultSignatureError, h.verify(tampered, 0, 0))

	require.Equal(t, uint64(0), h.pending())
}

func TestVerifyEthereumScheme(t *testing.T) {
	h := newHarness(t)
	h.validator = NewValidator(testChainID, h.accounts, NewVerifier(types.SchemeEthereum), h.queue)
	key := newKey(t)

	raw := buildTx(t, key, 0, "op")
	require.Equal(t, types.VerifyResultSignatureError, h.verify(raw, 0, 0))

	eth := &types.TransactionData{ChainID: testChainID, From: key.PubKey().Raw(), Payload: []byte("op")}
	require.NoError(t, eth.Sign(key, types.SchemeEthereum))
	require.Equal(t, types.VerifyResultSuccess, h.verify(eth, 0, 0))
}

func TestVerifyCooldown(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)

	require.Equal(t, types.VerifyResultSuccess, h.verify(buildTx(t, key, 0, "a"), 100, 10))
	next := buildTx(t, key, 1, "b")
	require.Equal(t, types.VerifyResultCoolingDown, h.verify(next, 109, 10))
	require.Equal(t, types.VerifyResultCoolingDown, h.verify(next, 50, 10))
	require.Equal(t, types.VerifyResultSuccess, h.verify(next, 110, 10))
}

func TestVerifySentEventOnlyForLocalChain(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)

	require.Equal(t, types.VerifyResultSuccess, h.verify(buildTx(t, key, 0, "a"), 0, 0))

	remote := &types.TransactionData{ChainID: testChainID + 1, From: key.PubKey().Raw(), Nonce: 1, Payload: []byte("b")}
	require.NoError(t, remote.Sign(key, types.SchemeRaw))
	require.Equal(t, types.VerifyResultSuccess, h.verify(remote, 1, 0))

	var sent []events.TransactionSent
	for _, e := range h.events.Events() {
		if s, ok := e.(events.TransactionSent); ok {
			sent = append(sent, s)
		}
	}
	require.Len(t, sent, 1)
	require.Equal(t, uint64(0), sent[0].Nonce)
}

// Account X with a cooldown of 10: accept, duplicate, cool down, accept,
// equivocate, then frozen.
func TestVerifyScenario(t *testing.T) {
	h := newHarness(t)
	key := newKey(t)
	pk := types.PublicKey(key.PubKey().Raw())
	const cooldown = 10

	tx0 := buildTx(t, key, 0, "transfer 1")
	require.Equal(t, types.VerifyResultSuccess, h.verify(tx0, 0, cooldown))
	require.Equal(t, types.VerifyResultDuplicated, h.verify(tx0, 0, cooldown))

	tx1 := buildTx(t, key, 1, "transfer 2")
	require.Equal(t, types.VerifyResultCoolingDown, h.verify(tx1, 5, cooldown))
	require.Equal(t, types.VerifyResultSuccess, h.verify(tx1, 11, cooldown))

	conflict := buildTx(t, key, 1, "transfer 3")
	require.Equal(t, types.VerifyResultMalicious, h.verify(conflict, 11, cooldown))

	require.Equal(t, types.VerifyResultMalicious, h.verify(buildTx(t, key, 2, "transfer 4"), 100, cooldown))
	require.Equal(t, uint64(2), h.nonce(pk))
	require.Equal(t, uint64(2), h.pending())
}
