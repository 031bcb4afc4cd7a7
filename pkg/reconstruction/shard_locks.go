package reconstruction

import "sync"

// numShards must be a power of two.
const numShards = 256

// shardLocks stripes a lock array over accumulator voxels so concurrent
// insertions only contend when they touch the same stripe.
type shardLocks struct{ mu [numShards]sync.Mutex }

func (sl *shardLocks) lock(idx int)   { sl.mu[idx&(numShards-1)].Lock() }
func (sl *shardLocks) unlock(idx int) { sl.mu[idx&(numShards-1)].Unlock() }
