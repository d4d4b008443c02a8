package auth

import (
	"context"
)

type contextKey string

const OperatorKey contextKey = "operator"

// Operator is the authenticated caller of a mutating ops route.
type Operator struct {
	Name string `json:"name"`
}

func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, OperatorKey, op)
}

func GetOperatorFromContext(ctx context.Context) (*Operator, bool) {
	op, ok := ctx.Value(OperatorKey).(*Operator)
	return op, ok
}
