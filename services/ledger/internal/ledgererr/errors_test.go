package ledgererr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindStatusMapping(t *testing.T) {
	cases := []struct {
		err    *Error
		status int
		code   string
	}{
		{Validation("bad"), http.StatusBadRequest, CodeInvalidRequest},
		{Conflict("dup"), http.StatusConflict, CodeConflict},
		{NotFound("missing"), http.StatusNotFound, CodeNotFound},
		{InvalidState("state"), http.StatusBadRequest, CodeInvalidState},
		{InsufficientBalance("short"), http.StatusBadRequest, CodeInsufficientBalance},
		{InvariantViolation("broken"), http.StatusInternalServerError, CodeInvariantViolation},
		{Internal(errors.New("db"), "boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tc := range cases {
		if tc.err.StatusCode != tc.status {
			t.Fatalf("%s: expected status %d, got %d", tc.err.Kind, tc.status, tc.err.StatusCode)
		}
		if tc.err.Code != tc.code {
			t.Fatalf("%s: expected code %s, got %s", tc.err.Kind, tc.code, tc.err.Code)
		}
	}
}

func TestAsThroughWrapping(t *testing.T) {
	base := Conflict("key reused").WithDetail("idempotency_key", "k1")
	wrapped := fmt.Errorf("create order: %w", base)

	got, ok := As(wrapped)
	if !ok {
		t.Fatalf("expected ledger error in chain")
	}
	if got.Details["idempotency_key"] != "k1" {
		t.Fatalf("expected detail to survive wrapping")
	}
	if !Is(wrapped, KindConflict) {
		t.Fatalf("expected conflict kind")
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatalf("expected foreign errors to be internal")
	}
}

func TestWithCodeKeepsKind(t *testing.T) {
	err := InvariantViolation("asset not allowed").WithCode(CodeInvalidAssetCode)
	if err.Kind != KindInvariantViolation || err.Code != CodeInvalidAssetCode {
		t.Fatalf("unexpected error %+v", err)
	}
	if err.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", err.StatusCode)
	}
}
