package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		kind      Kind
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpSave,
			component: "store",
			code:      ErrCodeStorageFailure,
			err:       fmt.Errorf("failed to connect"),
			want:      "save operation failed in store component [STORAGE_FAILURE]: failed to connect",
		},
		{
			name:      "with component no code",
			op:        OpPull,
			component: "replicator",
			err:       fmt.Errorf("failed to connect"),
			want:      "pull operation failed in replicator component: failed to connect",
		},
		{
			name: "with kind",
			op:   OpPush,
			kind: KindPermission,
			err:  fmt.Errorf("forbidden"),
			want: "push operation failed (permission): forbidden",
		},
		{
			name: "without component or code",
			op:   OpPush,
			err:  fmt.Errorf("network error"),
			want: "push operation failed: network error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Error{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
				Kind:      tt.kind,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("Error.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewNetworkError(t *testing.T) {
	cause := fmt.Errorf("network failure")
	err := NewNetworkError(OpTransport, cause)

	if err.Code != ErrCodeNetworkFailure {
		t.Errorf("NewNetworkError() Code = %v, want %v", err.Code, ErrCodeNetworkFailure)
	}
	if err.Kind != KindTransport {
		t.Errorf("NewNetworkError() Kind = %v, want %v", err.Kind, KindTransport)
	}
	if err.Err != cause {
		t.Errorf("NewNetworkError() Err = %v, want %v", err.Err, cause)
	}
	if !err.Retryable {
		t.Error("NewNetworkError() created non-retryable error")
	}
}

func TestNewConflictError(t *testing.T) {
	err := NewConflictError(OpSave, fmt.Errorf("stale parent"))

	if err.Kind != KindConflict {
		t.Errorf("NewConflictError() Kind = %v, want %v", err.Kind, KindConflict)
	}
	if err.Retryable {
		t.Error("NewConflictError() created retryable error when it shouldn't")
	}
}

func TestNewRemoteError(t *testing.T) {
	if NewRemoteError(OpPush, KindPermission, fmt.Errorf("no")).Retryable {
		t.Error("permission errors must not be retried")
	}
	if NewRemoteError(OpPush, KindNotFound, fmt.Errorf("no")).Retryable {
		t.Error("not found errors must not be retried")
	}
	if !NewRemoteError(OpPush, KindInternal, fmt.Errorf("boom")).Retryable {
		t.Error("internal remote errors are transient")
	}
}

func TestE(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := E(Op("sqlite.Save"), Component("storage/sqlite"), KindInternal, cause, "write revision")

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("E() did not return *Error: %T", err)
	}
	if e.Op != "sqlite.Save" || e.Component != "storage/sqlite" || e.Kind != KindInternal {
		t.Errorf("E() = %+v", e)
	}
	if !errors.Is(err, cause) {
		t.Error("E() must wrap the cause")
	}
	if got := e.Err.Error(); got != "write revision: disk full" {
		t.Errorf("message = %q", got)
	}
}

func TestE_MessageOnly(t *testing.T) {
	err := E(OpConfigure, KindInvalid, "document ID set must not be empty")
	if !IsKind(err, KindInvalid) {
		t.Errorf("IsKind(%v, invalid) = false", err)
	}
	if IsRetryable(err) {
		t.Error("validation errors are not retryable")
	}
}

func TestE_TransportIsRetryable(t *testing.T) {
	if !IsRetryable(E(OpTransport, KindTransport, "connection reset")) {
		t.Error("transport errors must be retryable")
	}
}

func TestKindOf_Nested(t *testing.T) {
	inner := E(OpReconcile, KindExhausted, "resolver churn")
	outer := fmt.Errorf("pull: %w", E(OpPull, Component("replicator"), inner))

	if got := KindOf(outer); got != KindExhausted {
		t.Errorf("KindOf() = %v, want %v", got, KindExhausted)
	}
	if !errors.Is(outer, &Error{Kind: KindExhausted}) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(outer, &Error{Kind: KindPermission}) {
		t.Error("errors.Is matched the wrong kind")
	}
	if KindOf(fmt.Errorf("plain")) != KindOther {
		t.Error("plain errors have no kind")
	}
}

func TestWrapOpComponent(t *testing.T) {
	if WrapOpComponent(nil, OpRead, "c") != nil {
		t.Fatal("nil error must stay nil")
	}
	inner := E(OpRead, Component("storage/sqlite"), KindNotFound, "document a")
	err := WrapOpComponent(inner, OpSave, "database")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	if e.Op != OpSave || e.Component != "database" {
		t.Errorf("unexpected wrap result %+v", e)
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("inner kind lost: %s", KindOf(err))
	}
}

func TestError_Unwrap(t *testing.T) {
	originalErr := fmt.Errorf("original error")
	e := &Error{
		Op:  OpPush,
		Err: originalErr,
	}

	if unwrapped := e.Unwrap(); unwrapped != originalErr {
		t.Errorf("Error.Unwrap() = %v, want %v", unwrapped, originalErr)
	}
}
