package pool

import "time"

// Recycler is the clock handle the unfreeze sweep uses for TTL decisions.
// It stamps frozen blocks with the current wall-clock second count; the
// sweep unfreezes any block whose stamp is older than FrozenDuration.
type Recycler struct{ pool *Pool }

// Now returns the current recycler tick.
func (Recycler) Now() uint32 { return uint32(time.Now().Unix()) }

// Sweep unfreezes up to UnfreezeCountPerOperation expired frozen blocks,
// moving each into the IDLE list for its size class. Sweep takes no lock:
// the caller must already hold the pool's mutex and its data mutex.
// CreateBlock runs the same sweep itself before every allocation.
func (r Recycler) Sweep() {
	r.pool.unfreezeExpired()
}
