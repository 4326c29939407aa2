/*
cipher.go — ciphertext primitive layer, attestation verifier, and
disclosure-grant controller for the ScoreVault chaincode.

Encrypted 16-bit values are referenced by opaque handles. Handle identifiers
are derived deterministically from the transaction ID and an operation
sequence number, so every endorser computes the same handle for the same
operation. Persisted values live in the "cipher_pdc" private data collection
(kept off the public ledger); values that only exist for the duration of one
evaluation live in a per-transaction overlay and are never written anywhere.

The four homomorphic primitives (trivial encrypt, ge/le compare, select, add)
are executed unconditionally by callers — the scoring path performs the same
operation sequence for every submission, so the trace leaks nothing about
which comparisons held. A production deployment replaces this PDC-backed
runtime with a real FHE coprocessor behind the same operations.
*/
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hyperledger/fabric-chaincode-go/v2/shim"
)

const (
	// Collection holding persisted ciphertext records.
	cipherPDC = "cipher_pdc"

	keyCipherPrefix = "CT::"  // CT::<handle> → cipherRec JSON (private data)
	keyGrantPrefix  = "ACL::" // ACL::<handle> → "engine" | "public" (world state)

	// Domain-separation labels for the dev sealing format and attestation digests.
	sealLabel   = "scorevault-seal-v1"
	attestLabel = "scorevault"

	// Sealed input blob: 8-byte salt followed by the masked 16-bit value.
	sealedBlobLen = 10
)

/* Disclosure grants */

// disclosure is the per-handle decryption capability. The lattice is
// none < engine < public; transitions only ever move upward, and public is
// irreversible.
type disclosure int

const (
	discNone disclosure = iota
	discEngine
	discPublic
)

func (d disclosure) String() string {
	switch d {
	case discEngine:
		return "engine"
	case discPublic:
		return "public"
	default:
		return "none"
	}
}

// loadGrant reads the disclosure level recorded for a handle.
// A missing ACL entry means no grant at all.
func loadGrant(stub shim.ChaincodeStubInterface, handle string) (disclosure, error) {
	raw, err := stub.GetState(keyGrantPrefix + handle)
	if err != nil {
		return discNone, fmt.Errorf("grant load: %w", err)
	}
	switch string(raw) {
	case "engine":
		return discEngine, nil
	case "public":
		return discPublic, nil
	case "":
		return discNone, nil
	default:
		return discNone, fmt.Errorf("corrupt grant record for %s", shortHandle(handle))
	}
}

// grantDisclosure raises a handle's disclosure level. Re-granting the current
// level is a no-op; lowering is refused so a published value stays published.
func grantDisclosure(stub shim.ChaincodeStubInterface, handle string, level disclosure) error {
	cur, err := loadGrant(stub, handle)
	if err != nil {
		return err
	}
	if level < cur {
		return fmt.Errorf("disclosure downgrade from %s to %s refused for %s", cur, level, shortHandle(handle))
	}
	if level == cur {
		return nil
	}
	return stub.PutState(keyGrantPrefix+handle, []byte(level.String()))
}

/* Ciphertext runtime */

// cipherRec is the persisted form of an encrypted value in the private
// collection. Only the engine's collection members ever see it.
type cipherRec struct {
	V uint16 `json:"v"`
}

// cipherRuntime evaluates homomorphic operations for one transaction.
// mem holds transaction-scoped values (submission metrics, predicates,
// intermediate sums); only values passed to persist survive the call.
// Ops record the first failure and become no-ops afterwards, so evaluation
// code reads as a straight-line operation sequence.
type cipherRuntime struct {
	stub shim.ChaincodeStubInterface
	seq  int
	mem  map[string]uint16
	err  error
}

func newCipherRuntime(stub shim.ChaincodeStubInterface) *cipherRuntime {
	return &cipherRuntime{stub: stub, mem: make(map[string]uint16)}
}

// Err reports the first failure recorded by any primitive since the runtime
// was created.
func (r *cipherRuntime) Err() error { return r.err }

// nextHandle derives the next deterministic handle for this transaction.
func (r *cipherRuntime) nextHandle() string {
	r.seq++
	return sha256Hex([]byte(fmt.Sprintf("%s:%d", r.stub.GetTxID(), r.seq)))
}

func (r *cipherRuntime) hold(v uint16) string {
	h := r.nextHandle()
	r.mem[h] = v
	return h
}

// valueOf resolves a handle, preferring the transaction overlay and falling
// back to the private collection for persisted values.
func (r *cipherRuntime) valueOf(handle string) (uint16, error) {
	if v, ok := r.mem[handle]; ok {
		return v, nil
	}
	raw, err := r.stub.GetPrivateData(cipherPDC, keyCipherPrefix+handle)
	if err != nil {
		return 0, fmt.Errorf("cipher load: %w", err)
	}
	if raw == nil {
		return 0, fmt.Errorf("unknown ciphertext handle %s", shortHandle(handle))
	}
	var rec cipherRec
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, fmt.Errorf("cipher record for %s: %w", shortHandle(handle), err)
	}
	return rec.V, nil
}

// persist writes a handle's value into the private collection, making the
// handle resolvable beyond this transaction. Submission-scoped values are
// deliberately never persisted.
func (r *cipherRuntime) persist(handle string) error {
	if r.err != nil {
		return r.err
	}
	v, err := r.valueOf(handle)
	if err != nil {
		return err
	}
	return r.stub.PutPrivateData(cipherPDC, keyCipherPrefix+handle, mustJSON(&cipherRec{V: v}))
}

func (r *cipherRuntime) operand(handle string) uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.valueOf(handle)
	if err != nil {
		r.err = err
		return 0
	}
	return v
}

// trivialEncrypt produces a fresh encryption of a known constant.
func (r *cipherRuntime) trivialEncrypt(v uint16) string {
	if r.err != nil {
		return ""
	}
	return r.hold(v)
}

// ge yields an encrypted boolean (0/1) for a >= b.
func (r *cipherRuntime) ge(a, b string) string {
	va, vb := r.operand(a), r.operand(b)
	if r.err != nil {
		return ""
	}
	var res uint16
	if va >= vb {
		res = 1
	}
	return r.hold(res)
}

// le yields an encrypted boolean (0/1) for a <= b.
func (r *cipherRuntime) le(a, b string) string {
	va, vb := r.operand(a), r.operand(b)
	if r.err != nil {
		return ""
	}
	var res uint16
	if va <= vb {
		res = 1
	}
	return r.hold(res)
}

// selectVal yields a when cond is a non-zero encrypted boolean, else b.
// Both branches are materialized by the caller before selection.
func (r *cipherRuntime) selectVal(cond, a, b string) string {
	vc, va, vb := r.operand(cond), r.operand(a), r.operand(b)
	if r.err != nil {
		return ""
	}
	if vc != 0 {
		return r.hold(va)
	}
	return r.hold(vb)
}

// add yields the 16-bit homomorphic sum. Wrapping is the accumulator's
// representable-range boundary; the aggregator's capacity cap keeps live
// sums strictly inside it.
func (r *cipherRuntime) add(a, b string) string {
	va, vb := r.operand(a), r.operand(b)
	if r.err != nil {
		return ""
	}
	return r.hold(va + vb)
}

/* Sealed inputs & attestation */

// sealMask derives the keystream for the development sealing format.
func sealMask(salt []byte) uint16 {
	d := sha256.Sum256(append(append([]byte(nil), salt...), []byte(sealLabel)...))
	return binary.BigEndian.Uint16(d[:2])
}

// importSealed admits an externally sealed ciphertext blob into the
// transaction overlay. The imported value is never persisted; it exists only
// for this evaluation.
func (r *cipherRuntime) importSealed(blobHex string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	b, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(blobHex, "0x")))
	if err != nil {
		return "", fmt.Errorf("malformed sealed ciphertext: %w", err)
	}
	if len(b) != sealedBlobLen {
		return "", fmt.Errorf("sealed ciphertext must be %d bytes, got %d", sealedBlobLen, len(b))
	}
	v := binary.BigEndian.Uint16(b[8:]) ^ sealMask(b[:8])
	return r.hold(v), nil
}

// attestationDigest binds a set of sealed blobs to the submitting principal
// and this system instance (channel + chaincode label). Replaying another
// party's blobs, or reusing a proof on a different channel, changes the
// digest and fails verification.
func attestationDigest(blobs []string, caller, channel string) string {
	h := sha256.New()
	for _, b := range blobs {
		h.Write([]byte(strings.ToLower(strings.TrimSpace(strings.TrimPrefix(b, "0x")))))
		h.Write([]byte{0})
	}
	h.Write([]byte(caller))
	h.Write([]byte{0})
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write([]byte(attestLabel))
	return hex.EncodeToString(h.Sum(nil))
}

// verifyAttestation checks that proof was honestly produced for these blobs
// by the calling principal on this channel. The cryptographic construction
// behind the digest is the client toolkit's concern; the contract only needs
// the binding property.
func verifyAttestation(stub shim.ChaincodeStubInterface, blobs []string, proof string) error {
	caller, err := callerID(stub)
	if err != nil {
		return err
	}
	want := attestationDigest(blobs, caller, stub.GetChannelID())
	if !strings.EqualFold(want, strings.TrimSpace(proof)) {
		return fmt.Errorf("attestation for caller %s: %w", shortHandle(caller), ErrProofInvalid)
	}
	return nil
}

// shortHandle abbreviates a handle for error messages and events.
func shortHandle(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8]
}
