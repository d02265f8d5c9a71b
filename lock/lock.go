// Package lock provides named, lease-based mutual exclusion shared across processes.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAcquired is returned when the wait timeout elapses before the lease is granted.
	ErrNotAcquired = errors.New("lock: not acquired within wait timeout")
	// ErrNotHeld is returned by Release when the lease expired or belongs to another holder.
	ErrNotHeld = errors.New("lock: lease not held")
)

// Lease is a granted lock. It expires on its own after Hold.
type Lease struct {
	Key        string
	Token      string
	Hold       time.Duration
	AcquiredAt time.Time
}

// Locker grants and releases leases.
type Locker interface {
	// Acquire blocks up to wait for key and holds it for at most hold.
	Acquire(ctx context.Context, key string, wait, hold time.Duration) (*Lease, error)
	// Release frees the lease if it is still owned by the caller.
	Release(ctx context.Context, lease *Lease) error
}
