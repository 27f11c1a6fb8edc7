package signal

import (
	"reflect"
	"testing"

	"github.com/patchpilot/patchpilot/internal/checks"
)

const pytestOutput = `============================= test session starts ==============================
collected 3 items

tests/test_pricing.py F..                                                [100%]

=================================== FAILURES ===================================
_________________________________ test_discount ________________________________

    def test_discount():
>       assert discounted_total_cents(995, 10) == 896
E       assert 895 == 896

tests/test_pricing.py:4: AssertionError
=========================== short test summary info ============================
FAILED tests/test_pricing.py::test_discount - assert 895 == 896
========================= 1 failed, 2 passed in 0.04s ==========================
`

func TestExtractPytestAssertion(t *testing.T) {
	res := &checks.Result{ExitCode: 1, Stdout: pytestOutput}
	signals := Extract(res)

	var failures []Signal
	for _, s := range signals {
		if s.Kind == KindTestFailure {
			failures = append(failures, s)
		}
	}
	if len(failures) == 0 {
		t.Fatal("no test_failure signal extracted")
	}
	found := false
	for _, s := range failures {
		if s.Summary == "assert 895 == 896" {
			found = true
		}
	}
	if !found {
		t.Errorf("no signal with the assertion expression; got %+v", failures)
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	res := &checks.Result{ExitCode: 1, Stdout: pytestOutput}
	a := Extract(res)
	b := Extract(res)
	if !reflect.DeepEqual(a, b) {
		t.Error("same input produced different signal lists")
	}
}

func TestExtractDedupesRepeatedLines(t *testing.T) {
	out := "FAILED t.py::a - assert 1 == 2\nFAILED t.py::a - assert 1 == 2\n"
	signals := Extract(&checks.Result{ExitCode: 1, Stdout: out})
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1 after dedupe: %+v", len(signals), signals)
	}
}

func TestExtractSyntaxError(t *testing.T) {
	out := `  File "pricing.py", line 3
    def discounted_total_cents(total_cents, percent)
                                                    ^
SyntaxError: expected ':'
`
	signals := Extract(&checks.Result{ExitCode: 1, Stderr: out})
	if !HasKind(signals, KindSyntax) {
		t.Errorf("no syntax signal in %+v", signals)
	}
}

func TestExtractRuntimeError(t *testing.T) {
	out := "ModuleNotFoundError: No module named 'requests'\n"
	signals := Extract(&checks.Result{ExitCode: 1, Stderr: out})
	if len(signals) != 1 || signals[0].Kind != KindRuntime {
		t.Fatalf("got %+v, want one runtime signal", signals)
	}
}

func TestExtractLintFindings(t *testing.T) {
	out := "pricing.py:12:1: E302 expected 2 blank lines, got 1\npricing.py:40:80: W291 trailing whitespace\n"
	signals := Extract(&checks.Result{ExitCode: 1, Stdout: out})
	if len(signals) != 2 {
		t.Fatalf("got %d signals, want 2: %+v", len(signals), signals)
	}
	if signals[0].Kind != KindLint || signals[0].Summary != "E302 expected 2 blank lines, got 1" {
		t.Errorf("first lint signal = %+v", signals[0])
	}
}

func TestExtractGoTestFailure(t *testing.T) {
	out := "--- FAIL: TestDiscount (0.00s)\n    pricing_test.go:10: got 895, want 896\nFAIL\n"
	signals := Extract(&checks.Result{ExitCode: 1, Stdout: out})
	if !HasKind(signals, KindTestFailure) {
		t.Errorf("no test_failure signal in %+v", signals)
	}
}

func TestExtractTimeoutSuppressesOtherSignals(t *testing.T) {
	res := &checks.Result{
		ExitCode: checks.ExitTimeout,
		TimedOut: true,
		Stdout:   pytestOutput, // partial output before the kill
		Command:  "python -m pytest -q",
	}
	signals := Extract(res)
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want exactly 1: %+v", len(signals), signals)
	}
	if signals[0].Kind != KindTimeout {
		t.Errorf("kind = %q, want timeout", signals[0].Kind)
	}
}

func TestExtractCleanOutput(t *testing.T) {
	signals := Extract(&checks.Result{ExitCode: 0, Stdout: "3 passed in 0.02s\n"})
	if len(signals) != 0 {
		t.Errorf("clean output produced signals: %+v", signals)
	}
}

func TestExtractOrderIsFirstOccurrence(t *testing.T) {
	out := "SyntaxError: bad\nFAILED t.py::a - assert 1 == 2\n"
	signals := Extract(&checks.Result{ExitCode: 1, Stdout: out})
	if len(signals) != 2 {
		t.Fatalf("got %d signals: %+v", len(signals), signals)
	}
	if signals[0].Kind != KindSyntax || signals[1].Kind != KindTestFailure {
		t.Errorf("order not preserved: %+v", signals)
	}
}
