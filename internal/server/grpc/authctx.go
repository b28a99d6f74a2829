package grpcserver

import (
	"context"
)

type ctxKey string

const operatorKey ctxKey = "dp.operator"

// WithOperator stores the authenticated operator in context.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

// OperatorFromCtx fetches the operator from context.
func OperatorFromCtx(ctx context.Context) (string, bool) {
	v := ctx.Value(operatorKey)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}
