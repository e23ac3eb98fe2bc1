// Package client provides the consumer-facing lock facade and the realtime
// channel keeping its view fresh. UI code talks only to the Facade; the
// underlying Service may be an in-process lock.Manager or a remote HTTP
// client. Lock state observers are plain callbacks, independent of any UI
// reactivity system.
package client

import (
	"context"

	"github.com/editlock-io/editlock/lock"
)

// Service is the lock operation surface the facade drives. *lock.Manager
// implements it directly; httpapi.Client implements it over the wire.
type Service interface {
	Acquire(ctx context.Context, recordID string, h lock.Holder) (lock.AcquireResult, error)
	Renew(ctx context.Context, recordID string, h lock.Holder) (bool, error)
	RenewAll(ctx context.Context, recordIDs []string, h lock.Holder) (map[string]bool, error)
	Release(ctx context.Context, recordID string, h lock.Holder) (bool, error)
	IsLocked(ctx context.Context, recordID string) (*lock.LockInfo, error)
}
