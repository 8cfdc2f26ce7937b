package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	t.Parallel()

	cause := stdErrors.New("dial tcp: connection refused")
	err := fmt.Errorf("account 3: %w", Wrap(CodeConnectivity, cause, "连接节点失败"))

	if got := CodeOf(err); got != CodeConnectivity {
		t.Fatalf("expected %s, got %s", CodeConnectivity, got)
	}
	if !HasCode(err, CodeConnectivity) {
		t.Fatal("expected HasCode to find connectivity code")
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected original cause to remain reachable")
	}
	if !Fatal(err) {
		t.Fatal("connectivity errors must end the account unit")
	}
}

func TestDefaultAttributes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code  Code
		fatal bool
		alert bool
	}{
		{CodeConfiguration, true, true},
		{CodeConnectivity, true, true},
		{CodeInsufficientFunds, false, false},
		{CodeReverted, false, false},
		{CodeTimeout, true, true},
		{CodeUnitCrashed, true, true},
		{CodeAllowance, false, false},
	}
	for _, tc := range cases {
		err := New(tc.code, "")
		if Fatal(err) != tc.fatal {
			t.Fatalf("%s: expected fatal=%v", tc.code, tc.fatal)
		}
		if ShouldAlert(err) != tc.alert {
			t.Fatalf("%s: expected alert=%v", tc.code, tc.alert)
		}
		if err.Message() == "" {
			t.Fatalf("%s: expected default message", tc.code)
		}
	}
}

func TestIsComparesCodes(t *testing.T) {
	t.Parallel()

	a := New(CodeReverted, "swap reverted", WithMetadata("direction", "1"))
	b := New(CodeReverted, "another revert")
	if !stdErrors.Is(a, b) {
		t.Fatal("errors with the same code should match")
	}
	if stdErrors.Is(a, New(CodeTimeout, "")) {
		t.Fatal("errors with different codes should not match")
	}
	if a.Metadata()["direction"] != "1" {
		t.Fatalf("unexpected metadata: %v", a.Metadata())
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	t.Parallel()

	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatal("plain errors should map to UNKNOWN")
	}
	if AttributesOf("NOT_REGISTERED").Severity != SeverityCritical {
		t.Fatal("unregistered codes should inherit UNKNOWN attributes")
	}
	override := New(CodeReverted, "", WithAlert(true), WithSeverity(SeverityCritical))
	if !override.ShouldAlert() || override.Severity() != SeverityCritical {
		t.Fatal("options should override registry defaults")
	}
}
