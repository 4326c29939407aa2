// harness_test.go
//
// Purpose: Minimal, deterministic test harness for the ScoreVault chaincode.
// Role: Provides an in-memory world-state/private-data “ledger”, a mocked
// Fabric ChaincodeStub (via gomock), and focused helpers that play the two
// external collaborators: the client sealing/attestation toolkit (sealMetric,
// attestFor) and the decryption relay (reveal). It lets tests drive the
// contract without real peers, orderers, or crypto material.
// Key deps:
// - Hyperledger Fabric Go SDKs: chaincode-go/shim, contractapi, protos (msp)
// - gomock for stub expectations and return paths
// - Google protobuf/timestamppb for stable TxTimestamp values
// - Local fakes package: mock stub interface
// Notes:
// - The harness makes defensive copies of byte slices to avoid aliasing
//   between test code and the “ledger” maps.
// - Handles are derived from the TxID, so every helper that creates
//   ciphertexts advances the harness TxID first.

package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/hyperledger/fabric-chaincode-go/v2/pkg/cid"
	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	contractapi "github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
	msp "github.com/hyperledger/fabric-protos-go-apiv2/msp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	f "github.com/romatermi539/HiddenCodeQualityAggregate/fakes"
)

const (
	testChannel = "qualchan-01"
	testTxTime  = int64(1764000000)
)

// The generated fakes must keep tracking the pinned shim/contractapi
// interfaces; a missing method breaks every test in this package.
var (
	_ shim.ChaincodeStubInterface             = (*f.MockChaincodeStubInterface)(nil)
	_ contractapi.TransactionContextInterface = (*f.MockTransactionContextInterface)(nil)
)

/* in-memory WS/PDC harness */

// memWorld is a tiny in-memory ledger used by the mock stub.
// It tracks world state (ws), private data (pdc), and emitted events.
type memWorld struct {
	ws     map[string][]byte
	pdc    map[string]map[string][]byte
	events []struct {
		name    string
		payload []byte
	}
}

func newMemWorld() *memWorld {
	return &memWorld{ws: make(map[string][]byte), pdc: make(map[string]map[string][]byte)}
}

func (m *memWorld) getState(key string) ([]byte, error) {
	if v, ok := m.ws[key]; ok {
		return append([]byte(nil), v...), nil // Copy for safety
	}
	return nil, nil
}

func (m *memWorld) putState(key string, val []byte) error {
	m.ws[key] = append([]byte(nil), val...) // Copy for safety
	return nil
}

func (m *memWorld) getPDC(coll, key string) ([]byte, error) {
	if c, ok := m.pdc[coll]; ok {
		if v, ok2 := c[key]; ok2 {
			return append([]byte(nil), v...), nil // Copy for safety
		}
	}
	return nil, nil
}

func (m *memWorld) putPDC(coll, key string, val []byte) error {
	c := m.pdc[coll]
	if c == nil {
		c = make(map[string][]byte)
		m.pdc[coll] = c
	}
	c[key] = append([]byte(nil), val...) // Copy for safety
	return nil
}

func (m *memWorld) setEvent(name string, payload []byte) error {
	m.events = append(m.events, struct {
		name    string
		payload []byte
	}{name: name, payload: append([]byte(nil), payload...)}) // Copy for safety
	return nil
}

// lastEvent returns the payload of the most recent event with the given name,
// decoded into a generic map, or nil if none was emitted.
func (m *memWorld) lastEvent(name string) map[string]any {
	for i := len(m.events) - 1; i >= 0; i-- {
		if m.events[i].name == name {
			var out map[string]any
			if json.Unmarshal(m.events[i].payload, &out) == nil {
				return out
			}
			return nil
		}
	}
	return nil
}

/* tx context w/ real stub (no gomock ctx) */

// simpleTxCtx adapts a raw shim.ChaincodeStubInterface to a contractapi
// TransactionContext. Tests only need GetStub.
type simpleTxCtx struct{ s shim.ChaincodeStubInterface }

func (c *simpleTxCtx) GetStub() shim.ChaincodeStubInterface { return c.s }

func (c *simpleTxCtx) GetClientIdentity() cid.ClientIdentity { return nil }

/* test harness */

// testHarness bundles the mock controller, stub, in-mem ledger, and the
// contract under test. The creator identity and TxID are mutable so tests can
// switch principals and simulate distinct transactions.
type testHarness struct {
	ctrl    *gomock.Controller
	ctx     contractapi.TransactionContextInterface
	stub    *f.MockChaincodeStubInterface
	mem     *memWorld
	cc      *ScoreVaultContract
	t       *testing.T
	txID    string
	txSeq   int
	sealSeq int
	creator []byte

	ownerCreator    []byte
	strangerCreator []byte
}

// newHarness builds a mocked Fabric transaction context for unit tests.
// World state and the private data collection are wired to in-memory maps;
// only the stub methods the contract actually uses are mocked.
func newHarness(t *testing.T) *testHarness {
	t.Helper()

	ctrl := gomock.NewController(t)
	stub := f.NewMockChaincodeStubInterface(ctrl)
	txctx := &simpleTxCtx{s: stub}
	mem := newMemWorld()

	h := &testHarness{
		ctrl: ctrl, ctx: txctx, stub: stub, mem: mem,
		cc: new(ScoreVaultContract), t: t, txID: "tx-0000",
		ownerCreator:    devSerializedIdentity("QualityMSP", "maintainer-1"),
		strangerCreator: devSerializedIdentity("AuditMSP", "auditor-9"),
	}
	h.creator = h.ownerCreator

	// Caller identity is whatever the harness currently holds.
	stub.EXPECT().GetCreator().AnyTimes().DoAndReturn(func() ([]byte, error) {
		return append([]byte(nil), h.creator...), nil
	})

	// Return the current harness txID; helpers advance it per operation.
	stub.EXPECT().GetTxID().AnyTimes().DoAndReturn(func() string { return h.txID })

	stub.EXPECT().GetTxTimestamp().AnyTimes().
		Return(&timestamppb.Timestamp{Seconds: testTxTime}, nil)

	// Stable channel ID: part of the attestation binding.
	stub.EXPECT().GetChannelID().AnyTimes().Return(testChannel)

	// Wire world state and the cipher PDC to the in-mem maps.
	stub.EXPECT().GetState(gomock.Any()).AnyTimes().DoAndReturn(mem.getState)
	stub.EXPECT().PutState(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.putState)
	stub.EXPECT().GetPrivateData(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.getPDC)
	stub.EXPECT().PutPrivateData(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.putPDC)

	// Capture events into the in-mem log for assertions.
	stub.EXPECT().SetEvent(gomock.Any(), gomock.Any()).AnyTimes().DoAndReturn(mem.setEvent)

	return h
}

/* principal switching */

func (h *testHarness) asOwner()    { h.creator = h.ownerCreator }
func (h *testHarness) asStranger() { h.creator = h.strangerCreator }

// idOf returns the identity digest the contract derives for a creator.
func idOf(creator []byte) string { return sha256Hex(creator) }

// nextTx advances the harness to a fresh transaction ID so handle derivation
// never collides across operations.
func (h *testHarness) nextTx() {
	h.txSeq++
	h.txID = fmt.Sprintf("tx-%04d", h.txSeq)
}

func (h *testHarness) setTxID(id string) { h.txID = id }

// forceCount pins the submission counter while keeping the current sum
// handle, so capacity tests need not perform hundreds of real submissions.
func (h *testHarness) forceCount(count uint32) {
	agg := h.aggHandles(h.t)
	h.mem.ws[keyAggregate] = mustJSON(&aggregateDoc{SumHandle: agg.SumHandle, Count: count})
}

/* client toolkit stand-ins */

// sealMetric plays the client-side encryption toolkit: it seals one plaintext
// value into the dev blob format (salt ‖ masked value) with a fresh salt.
func (h *testHarness) sealMetric(v int) string {
	h.sealSeq++
	d := sha256.Sum256([]byte(fmt.Sprintf("seal-salt-%d", h.sealSeq)))
	salt := d[:8]
	buf := make([]byte, sealedBlobLen)
	copy(buf, salt)
	binary.BigEndian.PutUint16(buf[8:], uint16(v)^sealMask(salt))
	return hex.EncodeToString(buf)
}

// attestFor computes the toolkit's proof for four blobs bound to the given
// creator on the harness channel.
func (h *testHarness) attestFor(creator []byte, blobs ...string) string {
	return attestationDigest(blobs, idOf(creator), testChannel)
}

/* contract call helpers */

func (h *testHarness) initVault() error {
	h.asOwner()
	h.nextTx()
	return h.cc.InitVault(h.ctx)
}

func (h *testHarness) setPolicyPlain(covMin, styleMin, complMax, bugsMax int) error {
	h.nextTx()
	return h.cc.SetPolicyPlain(h.ctx, covMin, styleMin, complMax, bugsMax)
}

// submit seals four metrics as the current principal, attests them, and calls
// SubmitMetrics. The decoded response is returned alongside the error.
func (h *testHarness) submit(cov, style, compl, bugs int) (*submitResult, error) {
	blobs := []string{h.sealMetric(cov), h.sealMetric(style), h.sealMetric(compl), h.sealMetric(bugs)}
	proof := h.attestFor(h.creator, blobs...)
	h.nextTx()
	out, err := h.cc.SubmitMetrics(h.ctx, blobs[0], blobs[1], blobs[2], blobs[3], proof)
	if err != nil {
		return nil, err
	}
	var res submitResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return nil, fmt.Errorf("submit response json: %w", err)
	}
	return &res, nil
}

type submitResult struct {
	CompositeHandle string `json:"compositeHandle"`
	NewSumHandle    string `json:"newSumHandle"`
	NewCount        uint32 `json:"newCount"`
}

func (h *testHarness) publish() (string, error) {
	h.nextTx()
	return h.cc.PublishSum(h.ctx)
}

// reveal plays the decryption relay: plaintext for publicly disclosed handles.
func (h *testHarness) reveal(handle string) (int, error) {
	return h.cc.RevealValue(h.ctx, handle)
}

func (h *testHarness) aggHandles(t *testing.T) *aggregateDoc {
	t.Helper()
	agg, err := h.cc.GetAggregateHandles(h.ctx)
	requireNoErr(t, err)
	return agg
}

func (h *testHarness) policyHandles(t *testing.T) *policyDoc {
	t.Helper()
	pol, err := h.cc.GetPolicyHandles(h.ctx)
	requireNoErr(t, err)
	return pol
}

// publishAndReveal is the common read path in tests: grant public disclosure
// on the current sum and decrypt it.
func (h *testHarness) publishAndReveal(t *testing.T) int {
	t.Helper()
	handle, err := h.publish()
	requireNoErr(t, err)
	v, err := h.reveal(handle)
	requireNoErr(t, err)
	return v
}

/* assertions */

func requireNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// requireErrContains asserts that err is non-nil and its message contains
// wantSubstr (case-insensitive).
func requireErrContains(t *testing.T, err error, wantSubstr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got nil", wantSubstr)
	}
	if wantSubstr != "" && !strings.Contains(strings.ToLower(err.Error()), strings.ToLower(wantSubstr)) {
		t.Fatalf("error %q does not contain %q", err.Error(), wantSubstr)
	}
}

// must2 is a small adapter to use requireNoErr on the second return value only.
func must2[T any](_ T, err error) error { return err }

/* identity helper */

// devSerializedIdentity builds a minimal SerializedIdentity. The contract
// only digests the creator bytes, so no certificate material is needed; the
// id string stands in for the enrollment cert and keeps identities stable
// across runs.
func devSerializedIdentity(mspID, id string) []byte {
	sid := &msp.SerializedIdentity{Mspid: mspID, IdBytes: []byte("dev-cert::" + id)}
	b, _ := proto.Marshal(sid)
	return b
}

/* plain reference model */

// plainComposite mirrors the scoring rule on plaintext values so tests can
// compute expected sums independently of the contract.
func plainComposite(cov, style, compl, bugs, covMin, styleMin, complMax, bugsMax int) int {
	score := 0
	if cov >= covMin {
		score += checkWeight
	}
	if style >= styleMin {
		score += checkWeight
	}
	if compl <= complMax {
		score += checkWeight
	}
	if bugs <= bugsMax {
		score += checkWeight
	}
	return score
}
