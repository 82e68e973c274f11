package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(CodeCounterUnderflow, "counter cannot go below zero"))
	if !stderrors.Is(err, ErrCounterUnderflow) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stderrors.Is(err, ErrInvalidAuth) {
		t.Fatalf("unexpected match against a different code")
	}
}

func TestKindAndStatusFollowCode(t *testing.T) {
	tests := []struct {
		code   Code
		kind   Kind
		status int
	}{
		{CodeInvalidAuth, KindAuthorization, http.StatusForbidden},
		{CodeUnauthenticated, KindAuthorization, http.StatusUnauthorized},
		{CodeOutOfBounds, KindValidation, http.StatusBadRequest},
		{CodeNotEnoughMoney, KindResource, http.StatusPaymentRequired},
		{CodeInvalidState, KindLifecycle, http.StatusConflict},
		{CodeUnavailable, KindLiveness, http.StatusServiceUnavailable},
		{Code("Mystery"), KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		e := New(tc.code, "x")
		if e.Kind != tc.kind {
			t.Errorf("%s: kind = %s, want %s", tc.code, e.Kind, tc.kind)
		}
		if e.HTTPStatus != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.code, e.HTTPStatus, tc.status)
		}
	}
}

func TestOnlyLivenessIsRetriable(t *testing.T) {
	if !IsRetriable(Unavailable("commit", stderrors.New("dial tcp: refused"))) {
		t.Fatalf("expected liveness error to be retriable")
	}
	if IsRetriable(InvalidAuth("signer mismatch")) {
		t.Fatalf("authorization errors must not be retriable")
	}
	if IsRetriable(stderrors.New("plain")) {
		t.Fatalf("foreign errors must not be retriable")
	}
}

func TestFromWirePreservesKind(t *testing.T) {
	e := FromWire(string(CodeHandoffPending), string(KindLifecycle), "pending")
	if !stderrors.Is(e, ErrHandoffPending) || e.Kind != KindLifecycle {
		t.Fatalf("unexpected rebuilt error: %+v", e)
	}
	e = FromWire(string(CodeUnavailable), "bogus", "down")
	if e.Kind != KindLiveness {
		t.Fatalf("expected kind recovered from code, got %s", e.Kind)
	}
}

func TestBodyRoundTrip(t *testing.T) {
	orig := New(CodeNotEnoughMoney, "need 100").WithDetail("cost", 100)
	body := ToBody(orig)
	if body.Kind != KindResource || body.Retriable {
		t.Fatalf("unexpected body %+v", body)
	}
	back := body.Err()
	if !stderrors.Is(back, ErrNotEnoughMoney) || back.HTTPStatus != orig.HTTPStatus {
		t.Fatalf("rebuilt error lost its identity: %v", back)
	}

	foreign := ToBody(stderrors.New("disk on fire"))
	if foreign.Code != CodeInternal {
		t.Fatalf("foreign error code = %s", foreign.Code)
	}
	if !ToBody(Unavailable("accept", stderrors.New("dial"))).Retriable {
		t.Fatal("liveness errors must be retriable on the wire")
	}
}
