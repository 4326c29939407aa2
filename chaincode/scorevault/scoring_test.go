// scoring_test.go
//
// Purpose: Unit tests for the scoring engine — the constant-trace evaluation
//          of four encrypted metrics against the encrypted policy.
// Role:    Runs against the in-memory harness and gomock’d ChaincodeStub from
//          this test suite; no real Fabric network required. Composite scores
//          are observed the only way the design allows: by publishing the
//          running sum and decrypting it through the relay boundary.
// Notes:
//   • Expected values come from plainComposite, an independent plaintext
//     model of the scoring rule.

package main

import (
	"testing"
)

// TestScoring_DefaultPolicy_FullScore verifies the permissive boot policy
// (covMin=0, styleMin=0, complMax=100, bugsMax=100) scores every submission
// at exactly 100.
func TestScoring_DefaultPolicy_FullScore(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	requireNoErr(t, h.initVault())

	for _, m := range [][4]int{
		{0, 0, 0, 0},
		{100, 100, 100, 100},
		{57, 3, 99, 42},
	} {
		requireNoErr(t, must2(h.submit(m[0], m[1], m[2], m[3])))
	}

	got := h.publishAndReveal(t)
	if got != 300 {
		t.Fatalf("default policy must score each submission 100: sum=%d want=300", got)
	}
	if agg := h.aggHandles(t); agg.Count != 3 {
		t.Fatalf("count=%d want=3", agg.Count)
	}
}

// TestScoring_MixedChecks walks the worked example: policy (80,70,30,5),
// submission (90,60,20,2) → checks (pass,fail,pass,pass) → composite 75; a
// second identical submission doubles the sum and the off-chain average is
// sum/count = 75.
func TestScoring_MixedChecks(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	requireNoErr(t, h.initVault())
	requireNoErr(t, h.setPolicyPlain(80, 70, 30, 5))

	requireNoErr(t, must2(h.submit(90, 60, 20, 2)))
	if got := h.publishAndReveal(t); got != 75 {
		t.Fatalf("composite=%d want=75", got)
	}

	requireNoErr(t, must2(h.submit(90, 60, 20, 2)))
	got := h.publishAndReveal(t)
	agg := h.aggHandles(t)
	if got != 150 || agg.Count != 2 {
		t.Fatalf("sum=%d count=%d want sum=150 count=2", got, agg.Count)
	}
	if avg := got / int(agg.Count); avg != 75 {
		t.Fatalf("off-chain average=%d want=75", avg)
	}
}

// TestScoring_CompositeInWeightSteps submits a spread of metric vectors
// against a fixed policy and checks that every per-submission delta of the
// decrypted sum is 25 × (number of checks satisfied).
func TestScoring_CompositeInWeightSteps(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	requireNoErr(t, h.initVault())

	const covMin, styleMin, complMax, bugsMax = 60, 50, 40, 10
	requireNoErr(t, h.setPolicyPlain(covMin, styleMin, complMax, bugsMax))

	vectors := [][4]int{
		{0, 0, 100, 100},   // all four fail
		{100, 100, 0, 0},   // all four pass
		{60, 49, 40, 11},   // pass, fail, pass, fail
		{59, 50, 41, 10},   // fail, pass, fail, pass
		{100, 0, 0, 100},   // pass, fail, pass, fail
	}

	prev := 0
	for _, m := range vectors {
		requireNoErr(t, must2(h.submit(m[0], m[1], m[2], m[3])))
		got := h.publishAndReveal(t)
		delta := got - prev
		want := plainComposite(m[0], m[1], m[2], m[3], covMin, styleMin, complMax, bugsMax)
		if delta != want {
			t.Fatalf("metrics %v: composite=%d want=%d", m, delta, want)
		}
		if delta%checkWeight != 0 || delta < 0 || delta > 4*checkWeight {
			t.Fatalf("composite %d not in {0,25,50,75,100}", delta)
		}
		prev = got
	}
}

// TestScoring_ThresholdBoundariesInclusive pins the comparison directions:
// metric == threshold passes for both the >= gates and the <= gates.
func TestScoring_ThresholdBoundariesInclusive(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	requireNoErr(t, h.initVault())
	requireNoErr(t, h.setPolicyPlain(50, 50, 50, 50))

	requireNoErr(t, must2(h.submit(50, 50, 50, 50)))
	if got := h.publishAndReveal(t); got != 100 {
		t.Fatalf("boundary submission scored %d, want 100 (all checks inclusive)", got)
	}
}

// TestScoring_MalformedSealedBlob rejects garbage ciphertext blobs before any
// state change.
func TestScoring_MalformedSealedBlob(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	requireNoErr(t, h.initVault())

	good := h.sealMetric(10)
	blobs := []string{"zzzz", good, good, good}
	proof := h.attestFor(h.creator, blobs...)
	h.nextTx()
	_, err := h.cc.SubmitMetrics(h.ctx, blobs[0], blobs[1], blobs[2], blobs[3], proof)
	requireErrContains(t, err, "malformed sealed ciphertext")

	if agg := h.aggHandles(t); agg.Count != 0 {
		t.Fatalf("failed submission must not advance the counter: count=%d", agg.Count)
	}
}

// TestScoring_WrongLengthBlob rejects a blob of the wrong size even when it
// is valid hex.
func TestScoring_WrongLengthBlob(t *testing.T) {
	h := newHarness(t)
	defer h.ctrl.Finish()
	requireNoErr(t, h.initVault())

	good := h.sealMetric(10)
	blobs := []string{good, good, good, "deadbeef"}
	proof := h.attestFor(h.creator, blobs...)
	h.nextTx()
	_, err := h.cc.SubmitMetrics(h.ctx, blobs[0], blobs[1], blobs[2], blobs[3], proof)
	requireErrContains(t, err, "10 bytes")
}
