package ecs

import "sync/atomic"

// ClientRef hands out a shared inventory client while keeping it alive via
// reference counting. The count starts at 1, owned by the Service that built
// the client; borrowers take an extra reference and must call Release exactly
// once when done. The underlying client's network resources are released the
// moment the count reaches zero, which only happens once the owning Service
// has superseded the client and every borrower has released it.
type ClientRef struct {
	api      InventoryAPI
	shutdown func()
	refs     atomic.Int64
}

// NewClientRef wraps an inventory client in a counted reference. The caller
// owns the initial reference; shutdown, if non-nil, runs exactly once when
// the count reaches zero. Service manages its clients this way internally;
// the constructor is exported for hosts that bring their own InventoryAPI.
func NewClientRef(api InventoryAPI, shutdown func()) *ClientRef {
	ref := &ClientRef{
		api:      api,
		shutdown: shutdown,
	}
	ref.refs.Store(1)
	return ref
}

// API returns the inventory client. It remains valid until Release is
// called, even if the owning Service has since been refreshed with new
// settings.
func (r *ClientRef) API() InventoryAPI {
	return r.api
}

// Release drops the caller's reference. The underlying client is shut down
// exactly once, when the last reference is dropped.
func (r *ClientRef) Release() {
	refs := r.refs.Add(-1)
	if refs == 0 {
		if r.shutdown != nil {
			r.shutdown()
		}
	} else if refs < 0 {
		panic("ecs: client reference released twice")
	}
}

// tryAcquire takes a new reference. It reports false if the count already
// reached zero, meaning the client has been shut down and a fresh one must
// be obtained.
func (r *ClientRef) tryAcquire() bool {
	for {
		refs := r.refs.Load()
		if refs <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}
