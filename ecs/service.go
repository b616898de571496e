package ecs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrNotConfigured is returned by Client when Refresh has never been called.
// Hitting it indicates an initialization ordering defect in the host, not a
// transient condition.
var ErrNotConfigured = errors.New("ECS client is not configured")

// errSuperseded signals internally that a lazy cell was torn down between
// the caller loading it and acquiring a reference.
var errSuperseded = errors.New("ECS client superseded")

// Service mediates access to a shared ECS client whose settings can be
// refreshed at runtime without breaking callers that are mid-request.
type Service interface {
	// Client borrows a reference to the current client, building it on
	// first use. The caller must Release the reference when done.
	Client() (*ClientRef, error)

	// Refresh atomically installs new client settings. The new client is
	// built lazily on the next Client call. Borrowers of the previous
	// client keep using it until they release their references; its network
	// resources are freed once the last reference is gone.
	Refresh(settings ClientSettings)

	// Close tears down the current client, if any. Outstanding borrowers
	// stay valid until they release.
	Close()
}

// ServiceImpl is the production Service. The zero value is usable; Refresh
// must be called before Client.
type ServiceImpl struct {
	current atomic.Pointer[lazyClient]
}

// NewService returns an unconfigured Service.
func NewService() *ServiceImpl {
	return &ServiceImpl{}
}

func (s *ServiceImpl) Client() (*ClientRef, error) {
	for {
		cell := s.current.Load()
		if cell == nil {
			return nil, ErrNotConfigured
		}

		ref, err := cell.get()
		if errors.Is(err, errSuperseded) {
			// A concurrent Refresh tore this cell down before we could
			// acquire it. The new cell is already installed.
			continue
		}
		return ref, err
	}
}

func (s *ServiceImpl) Refresh(settings ClientSettings) {
	old := s.current.Swap(&lazyClient{settings: settings})
	if old != nil {
		old.teardown()
	}
}

func (s *ServiceImpl) Close() {
	old := s.current.Swap(nil)
	if old != nil {
		old.teardown()
	}
}

// lazyClient builds the client for one settings snapshot on first use. Each
// Refresh installs a fresh cell, so a cell is built at most once.
type lazyClient struct {
	settings ClientSettings

	once sync.Once
	ref  *ClientRef
	err  error
}

func (l *lazyClient) get() (*ClientRef, error) {
	l.once.Do(l.build)

	if l.err != nil {
		return nil, l.err
	}
	if !l.ref.tryAcquire() {
		return nil, errSuperseded
	}
	return l.ref, nil
}

func (l *lazyClient) build() {
	api, shutdown, err := newClientFunc(l.settings)
	if err != nil {
		l.err = fmt.Errorf("building ECS client: %w", err)
		return
	}
	l.ref = NewClientRef(api, shutdown)
}

// newClientFunc is replaced in tests so lifecycle behaviour can be exercised
// without real API clients.
var newClientFunc = func(settings ClientSettings) (InventoryAPI, func(), error) {
	client, err := buildClient(settings)
	if err != nil {
		return nil, nil, err
	}
	return client, client.shutdown, nil
}

// teardown drops the cell's owning reference. If the client was never built
// it never will be; if it was, it shuts down once all borrowers release.
func (l *lazyClient) teardown() {
	l.once.Do(func() {
		l.err = errSuperseded
	})
	if l.ref != nil {
		l.ref.Release()
	}
}
