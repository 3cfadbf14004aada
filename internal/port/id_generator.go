package port

import "context"

// IDGenerator produces globally ordered 64-bit identifiers per namespace.
type IDGenerator interface {
	NextID(ctx context.Context, namespace string) (uint64, error)
}
