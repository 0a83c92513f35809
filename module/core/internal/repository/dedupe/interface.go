package dedupe

import "context"

type Claim int

const (
	// Claimed means the caller now owns delivery of the key.
	Claimed Claim = iota
	// InFlight means another worker holds the key.
	InFlight
	// AlreadyDelivered means the key was confirmed earlier.
	AlreadyDelivered
)

// DeliveryGuard keeps concurrent workers and sweeps from delivering the same
// transition twice within the guard's retention window.
type DeliveryGuard interface {
	Claim(ctx context.Context, key string) (Claim, error)
	Confirm(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}
