// -----------------------------------------------------------------------------
// ScoreVault contract (Go, Fabric v2 contract API)
// Purpose: Confidential aggregation of code-quality assessments. Submitters
// contribute four encrypted metrics; the contract evaluates them against an
// encrypted acceptance policy with a constant homomorphic operation trace,
// folds the composite score into a running encrypted sum, and controls — via
// irreversible disclosure grants — who may ever decrypt which value.
// Role in system: the on-chain engine only. Wallets, the client sealing/
// attestation toolkit, and the decryption relay are external collaborators
// that meet this contract at its handle/proof boundary.
// Key dependencies: Hyperledger Fabric contractapi; the cipher runtime and
// disclosure controller in cipher.go; private data collection "cipher_pdc".
// -----------------------------------------------------------------------------

/*
scorevault.go — contract operations.

State layout (world state unless noted):
  OWNER          → caller identity digest of the owning principal
  POLICY         → policyDoc (four threshold handles + provenance)
  AGG            → aggregateDoc (current sum handle + plaintext count)
  PARAMS         → params JSON (runtime toggles)
  ACL::<handle>  → disclosure grant ("engine"/"public")
  CT::<handle>   → cipherRec (private data, collection cipher_pdc)

Every operation either completes fully or fails before any state write; there
is no partial-failure state to recover from.
*/
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
	"github.com/hyperledger/fabric-contract-api-go/v2/contractapi"
)

/* Keys & constants */

const (
	keyOwner     = "OWNER"
	keyPolicy    = "POLICY"
	keyAggregate = "AGG"
	keyParams    = "PARAMS"
)

const (
	eventPolicyUpdated      = "PolicyUpdated"
	eventSubmissionIngested = "SubmissionIngested"
	eventSumPublished       = "SumPublished"
	eventParamsUpdated      = "ParamsUpdated"
)

const (
	// Metrics and thresholds live in 0..100.
	maxMetric = 100

	// Each satisfied check contributes 25, so a composite is one of
	// {0, 25, 50, 75, 100}.
	checkWeight = 25

	// aggCap bounds the submission counter so the 16-bit encrypted
	// accumulator cannot wrap: maxComposite * aggCap = 100 * 600 = 60000,
	// which stays below 65536. Re-derive this if the per-submission score
	// range or the accumulator width ever changes.
	aggCap = 600
)

/* Error taxonomy */

var (
	ErrNotOwner         = errors.New("not owner")
	ErrZeroOwner        = errors.New("zero owner")
	ErrOutOfRange       = errors.New("out of range")
	ErrProofInvalid     = errors.New("proof invalid")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrNoGrant          = errors.New("no disclosure grant")
)

/* Types & small data models */

// ScoreVaultContract implements the confidential score-aggregation engine.
//
// Responsibilities:
// - Keep the four acceptance thresholds encrypted and owner-mutable.
// - Score each admitted submission with a data-independent homomorphic trace.
// - Fold composites into the running encrypted sum under a hard capacity cap.
// - Track per-handle disclosure grants; promotion to public is irreversible.
type ScoreVaultContract struct{ contractapi.Contract }

// policyDoc is the persisted policy: four encrypted threshold handles plus
// provenance. covMin/styleMin gate with >=, complMax/bugsMax with <=.
type policyDoc struct {
	CovMin    string `json:"covMin"`
	StyleMin  string `json:"styleMin"`
	ComplMax  string `json:"complMax"`
	BugsMax   string `json:"bugsMax"`
	Attested  bool   `json:"attested"`
	UpdatedAt string `json:"updatedAt"`
}

// aggregateDoc is the persisted aggregate: the current encrypted sum handle
// and the plaintext submission counter.
type aggregateDoc struct {
	SumHandle string `json:"sumHandle"`
	Count     uint32 `json:"count"`
}

// Params contains runtime toggles stored on-chain and merged by SetParams.
type Params struct {
	EmitEvents        bool `json:"EMIT_EVENTS"`        // Default true: emit events
	VerifyAttestation bool `json:"VERIFY_ATTESTATION"` // Default true: require valid proofs
	RestrictPublish   bool `json:"RESTRICT_PUBLISH"`   // Default true: PublishSum is owner-only
}

/* Small helpers */

// sha256Hex returns the SHA-256 hash of a byte slice, hex-encoded.
func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// mustJSON marshals v and ignores errors (used for events and small writes).
func mustJSON(v any) []byte { b, _ := json.Marshal(v); return b }

// nowRFC3339 returns the transaction timestamp as an RFC3339 UTC string.
func nowRFC3339(ctx contractapi.TransactionContextInterface) string {
	ts, _ := ctx.GetStub().GetTxTimestamp()
	return time.Unix(ts.GetSeconds(), int64(ts.GetNanos())).UTC().Format(time.RFC3339)
}

// callerID derives the calling principal's identity digest from the
// serialized creator. Stable per enrollment certificate.
func callerID(stub shim.ChaincodeStubInterface) (string, error) {
	creator, err := stub.GetCreator()
	if err != nil {
		return "", fmt.Errorf("get creator: %w", err)
	}
	if len(creator) == 0 {
		return "", fmt.Errorf("empty creator identity")
	}
	return sha256Hex(creator), nil
}

// requireOwner resolves the caller and checks it against the recorded owner.
func requireOwner(ctx contractapi.TransactionContextInterface) (string, error) {
	stub := ctx.GetStub()
	raw, err := stub.GetState(keyOwner)
	if err != nil {
		return "", fmt.Errorf("get owner: %w", err)
	}
	if raw == nil {
		return "", fmt.Errorf("vault not initialized")
	}
	caller, err := callerID(stub)
	if err != nil {
		return "", err
	}
	if string(raw) != caller {
		return "", fmt.Errorf("caller %s: %w", shortHandle(caller), ErrNotOwner)
	}
	return caller, nil
}

// getParams reads the runtime toggles, falling back to defaults.
func getParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	p := &Params{
		EmitEvents:        true,
		VerifyAttestation: true,
		RestrictPublish:   true,
	}
	if b, err := ctx.GetStub().GetState(keyParams); err == nil && b != nil {
		var on Params
		if json.Unmarshal(b, &on) == nil {
			return &on, nil
		}
	}
	return p, nil
}

func loadPolicy(ctx contractapi.TransactionContextInterface) (*policyDoc, error) {
	raw, err := ctx.GetStub().GetState(keyPolicy)
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("vault not initialized: no policy")
	}
	var p policyDoc
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("policy json: %w", err)
	}
	return &p, nil
}

func loadAggregate(ctx contractapi.TransactionContextInterface) (*aggregateDoc, error) {
	raw, err := ctx.GetStub().GetState(keyAggregate)
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("vault not initialized: no aggregate")
	}
	var a aggregateDoc
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("aggregate json: %w", err)
	}
	return &a, nil
}

// storePolicy persists four threshold handles atomically: each value is
// written to the private collection with a fresh EngineOnly grant, then the
// policy document is replaced in one write.
func storePolicy(ctx contractapi.TransactionContextInterface, rt *cipherRuntime,
	covMin, styleMin, complMax, bugsMax string, attested bool) error {

	stub := ctx.GetStub()
	for _, h := range []string{covMin, styleMin, complMax, bugsMax} {
		if err := rt.persist(h); err != nil {
			return err
		}
		if err := grantDisclosure(stub, h, discEngine); err != nil {
			return err
		}
	}
	doc := &policyDoc{
		CovMin: covMin, StyleMin: styleMin, ComplMax: complMax, BugsMax: bugsMax,
		Attested: attested, UpdatedAt: nowRFC3339(ctx),
	}
	if err := stub.PutState(keyPolicy, mustJSON(doc)); err != nil {
		return err
	}
	if params, _ := getParams(ctx); params.EmitEvents {
		_ = stub.SetEvent(eventPolicyUpdated, mustJSON(map[string]any{
			"covMin":   covMin,
			"styleMin": styleMin,
			"complMax": complMax,
			"bugsMax":  bugsMax,
			"attested": attested,
			"time":     doc.UpdatedAt,
		}))
	}
	return nil
}

// writeAggregate persists a new sum handle with an EngineOnly grant and
// replaces the aggregate document. Old sum handles keep their records and
// grants, so a previously published handle stays decryptable.
func writeAggregate(ctx contractapi.TransactionContextInterface, rt *cipherRuntime,
	sumHandle string, count uint32) error {

	stub := ctx.GetStub()
	if err := rt.persist(sumHandle); err != nil {
		return err
	}
	if err := grantDisclosure(stub, sumHandle, discEngine); err != nil {
		return err
	}
	return stub.PutState(keyAggregate, mustJSON(&aggregateDoc{SumHandle: sumHandle, Count: count}))
}

/* Admin / Setup */

// InitVault establishes the owning principal, a permissive default policy
// (covMin=0, styleMin=0, complMax=100, bugsMax=100 — every submission passes
// every check), and a zero aggregate. One-shot: re-initialization is refused.
func (c *ScoreVaultContract) InitVault(ctx contractapi.TransactionContextInterface) error {
	stub := ctx.GetStub()
	if raw, err := stub.GetState(keyOwner); err != nil {
		return fmt.Errorf("get owner: %w", err)
	} else if raw != nil {
		return fmt.Errorf("vault already initialized")
	}
	caller, err := callerID(stub)
	if err != nil {
		return err
	}
	if err := stub.PutState(keyOwner, []byte(caller)); err != nil {
		return err
	}

	rt := newCipherRuntime(stub)
	covMin := rt.trivialEncrypt(0)
	styleMin := rt.trivialEncrypt(0)
	complMax := rt.trivialEncrypt(maxMetric)
	bugsMax := rt.trivialEncrypt(maxMetric)
	if err := storePolicy(ctx, rt, covMin, styleMin, complMax, bugsMax, false); err != nil {
		return err
	}

	zero := rt.trivialEncrypt(0)
	return writeAggregate(ctx, rt, zero, 0)
}

// TransferOwnership hands the owner capability to another principal's
// identity digest. A null identity is refused.
func (c *ScoreVaultContract) TransferOwnership(ctx contractapi.TransactionContextInterface, newOwner string) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}
	newOwner = strings.TrimSpace(newOwner)
	if newOwner == "" || strings.Trim(newOwner, "0") == "" {
		return fmt.Errorf("transfer to null identity: %w", ErrZeroOwner)
	}
	return ctx.GetStub().PutState(keyOwner, []byte(newOwner))
}

// SetParams merges runtime toggle updates into the stored params document.
func (c *ScoreVaultContract) SetParams(ctx contractapi.TransactionContextInterface, paramsJSON string) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}
	cur, err := getParams(ctx)
	if err != nil {
		return err
	}

	jsCur, _ := json.Marshal(cur)
	var merged map[string]any
	_ = json.Unmarshal(jsCur, &merged)

	var upd map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &upd); err != nil {
		return fmt.Errorf("bad params json: %w", err)
	}
	for k, v := range upd {
		merged[k] = v
	}

	js, _ := json.Marshal(merged)
	if err := ctx.GetStub().PutState(keyParams, js); err != nil {
		return err
	}

	if params, _ := getParams(ctx); params.EmitEvents {
		keys := make([]string, 0, len(upd))
		for k := range upd {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_ = ctx.GetStub().SetEvent(eventParamsUpdated, mustJSON(map[string]any{
			"hash": sha256Hex(js),
			"keys": keys,
			"time": nowRFC3339(ctx),
		}))
	}
	return nil
}

// GetParams reads back the stored runtime parameters.
func (c *ScoreVaultContract) GetParams(ctx contractapi.TransactionContextInterface) (*Params, error) {
	return getParams(ctx)
}

/* Policy store */

// SetPolicy replaces all four acceptance thresholds atomically from attested
// ciphertexts. The proof must bind the four sealed blobs to the owner and
// this channel; on failure nothing is written.
func (c *ScoreVaultContract) SetPolicy(ctx contractapi.TransactionContextInterface,
	covMinSealed, styleMinSealed, complMaxSealed, bugsMaxSealed, proof string) error {

	if _, err := requireOwner(ctx); err != nil {
		return err
	}
	params, err := getParams(ctx)
	if err != nil {
		return err
	}
	blobs := []string{covMinSealed, styleMinSealed, complMaxSealed, bugsMaxSealed}
	if params.VerifyAttestation {
		if err := verifyAttestation(ctx.GetStub(), blobs, proof); err != nil {
			return err
		}
	}

	rt := newCipherRuntime(ctx.GetStub())
	handles := make([]string, 0, len(blobs))
	for _, b := range blobs {
		h, err := rt.importSealed(b)
		if err != nil {
			return err
		}
		handles = append(handles, h)
	}
	return storePolicy(ctx, rt, handles[0], handles[1], handles[2], handles[3], true)
}

// SetPolicyPlain is the bootstrapping/testing convenience path: plaintext
// thresholds are range-checked, trivially encrypted, and stored exactly like
// attested ones. The emitted notification marks the policy as non-attested.
func (c *ScoreVaultContract) SetPolicyPlain(ctx contractapi.TransactionContextInterface,
	covMin, styleMin, complMax, bugsMax int) error {

	if _, err := requireOwner(ctx); err != nil {
		return err
	}
	for _, v := range []struct {
		name string
		val  int
	}{
		{"covMin", covMin}, {"styleMin", styleMin}, {"complMax", complMax}, {"bugsMax", bugsMax},
	} {
		if v.val < 0 || v.val > maxMetric {
			return fmt.Errorf("%s=%d must be in 0..%d: %w", v.name, v.val, maxMetric, ErrOutOfRange)
		}
	}

	rt := newCipherRuntime(ctx.GetStub())
	return storePolicy(ctx, rt,
		rt.trivialEncrypt(uint16(covMin)),
		rt.trivialEncrypt(uint16(styleMin)),
		rt.trivialEncrypt(uint16(complMax)),
		rt.trivialEncrypt(uint16(bugsMax)),
		false)
}

// MakePolicyPublic irreversibly grants public disclosure on all four
// threshold handles so the acceptance criteria can be audited off-chain.
// The policy stays owner-mutable; future replacements start private again.
func (c *ScoreVaultContract) MakePolicyPublic(ctx contractapi.TransactionContextInterface) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}
	pol, err := loadPolicy(ctx)
	if err != nil {
		return err
	}
	for _, h := range []string{pol.CovMin, pol.StyleMin, pol.ComplMax, pol.BugsMax} {
		if err := grantDisclosure(ctx.GetStub(), h, discPublic); err != nil {
			return err
		}
	}
	return nil
}

// GetPolicyHandles returns the four opaque threshold handles. Available to
// anyone; the handles are usable for off-chain disclosure requests whether or
// not disclosure has been granted.
func (c *ScoreVaultContract) GetPolicyHandles(ctx contractapi.TransactionContextInterface) (*policyDoc, error) {
	return loadPolicy(ctx)
}

/* Hot path: scoring + aggregation */

// scoreSubmission evaluates the four threshold checks homomorphically and
// returns the composite handle. The operation sequence is identical for every
// submission — four compares, four selects, three adds — so the trace is
// independent of which checks hold. No decryption or plaintext branching on
// metric data occurs anywhere on this path.
func scoreSubmission(rt *cipherRuntime, pol *policyDoc, cov, style, compl, bugs string) string {
	weight := rt.trivialEncrypt(checkWeight)
	zero := rt.trivialEncrypt(0)

	covOK := rt.ge(cov, pol.CovMin)
	styleOK := rt.ge(style, pol.StyleMin)
	complOK := rt.le(compl, pol.ComplMax)
	bugsOK := rt.le(bugs, pol.BugsMax)

	s1 := rt.selectVal(covOK, weight, zero)
	s2 := rt.selectVal(styleOK, weight, zero)
	s3 := rt.selectVal(complOK, weight, zero)
	s4 := rt.selectVal(bugsOK, weight, zero)

	// Pairwise sums keep every intermediate within 2*weight before the
	// final add, well inside the 16-bit range.
	return rt.add(rt.add(s1, s2), rt.add(s3, s4))
}

// SubmitMetrics admits one submission: four sealed metric ciphertexts
// (coverage, style, complexity, bugs) plus one attestation proof. On success
// the composite score is folded into the running sum and the counter
// advances; the composite itself is never persisted and can never be
// disclosed. All gates run before any state write.
func (c *ScoreVaultContract) SubmitMetrics(ctx contractapi.TransactionContextInterface,
	covSealed, styleSealed, complSealed, bugsSealed, proof string) (string, error) {

	stub := ctx.GetStub()

	// 1) Capacity gate: a full accumulator is a hard stop, not a retry.
	agg, err := loadAggregate(ctx)
	if err != nil {
		return "", err
	}
	if agg.Count >= aggCap {
		return "", fmt.Errorf("submission count %d at cap %d: %w", agg.Count, aggCap, ErrCapacityExceeded)
	}

	// 2) Attestation gate (fail before any heavy work).
	params, err := getParams(ctx)
	if err != nil {
		return "", err
	}
	blobs := []string{covSealed, styleSealed, complSealed, bugsSealed}
	if params.VerifyAttestation {
		if err := verifyAttestation(stub, blobs, proof); err != nil {
			return "", err
		}
	}

	// 3) Admit metrics into the transaction overlay; nothing is persisted.
	pol, err := loadPolicy(ctx)
	if err != nil {
		return "", err
	}
	rt := newCipherRuntime(stub)
	handles := make([]string, 0, len(blobs))
	for _, b := range blobs {
		h, err := rt.importSealed(b)
		if err != nil {
			return "", err
		}
		handles = append(handles, h)
	}

	// 4) Constant-trace scoring, then one homomorphic fold into the sum.
	composite := scoreSubmission(rt, pol, handles[0], handles[1], handles[2], handles[3])
	newSum := rt.add(agg.SumHandle, composite)
	if err := rt.Err(); err != nil {
		return "", err
	}

	newCount := agg.Count + 1
	if err := writeAggregate(ctx, rt, newSum, newCount); err != nil {
		return "", err
	}

	if params.EmitEvents {
		_ = stub.SetEvent(eventSubmissionIngested, mustJSON(map[string]any{
			"compositeHandle": composite,
			"newSumHandle":    newSum,
			"newCount":        newCount,
		}))
	}

	return fmt.Sprintf(`{"compositeHandle":"%s","newSumHandle":"%s","newCount":%d}`,
		composite, newSum, newCount), nil
}

/* Disclosure / publication */

// PublishSum irreversibly grants public disclosure on the current sum handle
// and pairs it with the count at publication, so the off-chain average uses
// the right denominator even if ingestion continues afterwards. Whether the
// call is owner-only is a deployment policy (RESTRICT_PUBLISH).
func (c *ScoreVaultContract) PublishSum(ctx contractapi.TransactionContextInterface) (string, error) {
	params, err := getParams(ctx)
	if err != nil {
		return "", err
	}
	if params.RestrictPublish {
		if _, err := requireOwner(ctx); err != nil {
			return "", err
		}
	}
	agg, err := loadAggregate(ctx)
	if err != nil {
		return "", err
	}
	if err := grantDisclosure(ctx.GetStub(), agg.SumHandle, discPublic); err != nil {
		return "", err
	}
	if params.EmitEvents {
		_ = ctx.GetStub().SetEvent(eventSumPublished, mustJSON(map[string]any{
			"sumHandle":          agg.SumHandle,
			"countAtPublication": agg.Count,
			"time":               nowRFC3339(ctx),
		}))
	}
	return agg.SumHandle, nil
}

// GetAggregateHandles returns the current sum handle and plaintext count.
func (c *ScoreVaultContract) GetAggregateHandles(ctx contractapi.TransactionContextInterface) (*aggregateDoc, error) {
	return loadAggregate(ctx)
}

// ResetAggregates reinitializes the aggregate to a fresh encrypted zero with
// an EngineOnly grant and a zero counter. Grants already issued on old sum
// handles are untouched: disclosure is a property of the specific encrypted
// value, not of the logical "current sum" slot.
func (c *ScoreVaultContract) ResetAggregates(ctx contractapi.TransactionContextInterface) error {
	if _, err := requireOwner(ctx); err != nil {
		return err
	}
	rt := newCipherRuntime(ctx.GetStub())
	zero := rt.trivialEncrypt(0)
	return writeAggregate(ctx, rt, zero, 0)
}

// RevealValue is the decryption-relay boundary: it returns a handle's
// plaintext only when the handle carries a public disclosure grant. Values
// that were never persisted (per-submission composites, metrics) are
// unrecoverable regardless of grants.
func (c *ScoreVaultContract) RevealValue(ctx contractapi.TransactionContextInterface, handle string) (int, error) {
	handle = strings.TrimSpace(handle)
	g, err := loadGrant(ctx.GetStub(), handle)
	if err != nil {
		return 0, err
	}
	if g != discPublic {
		return 0, fmt.Errorf("handle %s: %w", shortHandle(handle), ErrNoGrant)
	}
	rt := newCipherRuntime(ctx.GetStub())
	v, err := rt.valueOf(handle)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// GetDisclosure reports a handle's disclosure level ("none", "engine",
// "public"). Read-only, available to anyone.
func (c *ScoreVaultContract) GetDisclosure(ctx contractapi.TransactionContextInterface, handle string) (string, error) {
	g, err := loadGrant(ctx.GetStub(), strings.TrimSpace(handle))
	if err != nil {
		return "", err
	}
	return g.String(), nil
}

/* Health */

// Ping is a simple health check used by deployment tooling and test harnesses.
func (c *ScoreVaultContract) Ping(ctx contractapi.TransactionContextInterface) (string, error) {
	return "OK:" + ctx.GetStub().GetTxID(), nil
}
