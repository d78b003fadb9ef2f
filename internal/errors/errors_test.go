package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := fmt.Errorf("outer: %w", Wrap(CodeProviderFailure, cause, "spawn tool provider"))

	if got := CodeOf(err); got != CodeProviderFailure {
		t.Fatalf("expected %s, got %s", CodeProviderFailure, got)
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to stay reachable")
	}
	if !stdErrors.Is(err, New(CodeProviderFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(err, New(CodeTimeout, "")) {
		t.Fatalf("different codes must not match")
	}
	if got := err.Error(); got != "outer: [PROVIDER_FAILURE] spawn tool provider: dial tcp: refused" {
		t.Fatalf("unexpected message %q", got)
	}
	if !Retryable(err) {
		t.Fatalf("provider failures are retryable")
	}
}

func TestSeverityOverride(t *testing.T) {
	err := New(CodeTimeout, "", WithSeverity(SeverityCritical))
	if err.Message() != "operation timed out" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
	if New(CodeTimeout, "").Severity() != SeverityWarning {
		t.Fatalf("registry severity should apply without override")
	}
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	if attr != AttributesOf(CodeUnknown) {
		t.Fatalf("expected fallback attributes, got %+v", attr)
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors map to UNKNOWN")
	}
	if Retryable(stdErrors.New("plain")) || Retryable(nil) {
		t.Fatalf("uncoded errors are not retryable")
	}
}

func TestRegisterAddsCode(t *testing.T) {
	code := Code("TEST_REGISTERED")
	Register(code, Attributes{Message: "x", Severity: SeverityInfo, Retryable: true})
	if got := AttributesOf(code); got.Message != "x" || got.Severity != SeverityInfo {
		t.Fatalf("registered attributes not returned: %+v", got)
	}
	if !Retryable(New(code, "")) {
		t.Fatalf("expected retryable from registry")
	}
}
