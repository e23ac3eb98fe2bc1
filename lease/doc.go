// Package lease provides durable storage for record leases with in-memory
// and Redis implementations. A lease is an exclusive, time-bounded editing
// claim on a single record. Stores guarantee that at most one live lease
// exists per record at any instant: creation is a single conditional write,
// and a lease past its expiry is treated as absent even before it is
// physically purged.
package lease
