package grpcserver

import (
	"context"
	"testing"
)

func TestWithOperator_And_OperatorFromCtx(t *testing.T) {
	t.Parallel()

	if op, ok := OperatorFromCtx(context.Background()); ok || op != "" {
		t.Fatalf("expected no operator in empty ctx")
	}

	ctx := WithOperator(context.Background(), "ops@host")
	got, ok := OperatorFromCtx(ctx)
	if !ok {
		t.Fatalf("expected operator in ctx")
	}
	if got != "ops@host" {
		t.Fatalf("mismatch: got %s", got)
	}

	if _, ok := OperatorFromCtx(WithOperator(context.Background(), "")); ok {
		t.Fatalf("expected miss on empty subject")
	}

	bad := context.WithValue(context.Background(), operatorKey, 42)
	if op, ok := OperatorFromCtx(bad); ok || op != "" {
		t.Fatalf("expected miss on wrong typed value")
	}
}
