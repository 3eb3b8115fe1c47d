package common

import "context"

type operatorKey struct{}

// Operator is the authenticated caller of an operator endpoint.
type Operator struct {
	UserID string
	Role   string
}

// WithOperator attaches op to ctx.
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// OperatorFrom returns the operator stored by WithOperator.
func OperatorFrom(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(operatorKey{}).(Operator)
	if !ok || op.UserID == "" {
		return Operator{}, false
	}
	return op, true
}
