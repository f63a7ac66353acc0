package transfer

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lanchat/internal/model"
)

type (
	// Snapshots is an immutable view of every known transfer.
	Snapshots map[string]model.TransferSnapshot

	// Registry is a copy-on-write store of transfer snapshots. Readers load
	// the current map without locking; writers are serialized and publish a
	// fresh map per mutation.
	Registry struct {
		mu      sync.Mutex
		current atomic.Pointer[Snapshots]

		cancels map[string]chan struct{}

		subs   map[int]chan Snapshots
		nextID int

		observers []func(model.TransferSnapshot)
		now       func() time.Time
	}

	Option func(*Registry)
)

// WithObserver registers fn to be called with every changed snapshot, in
// mutation order, while the registry lock is held. fn must not call back
// into the registry.
func WithObserver(fn func(model.TransferSnapshot)) Option {
	return func(r *Registry) {
		r.observers = append(r.observers, fn)
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		cancels: make(map[string]chan struct{}),
		subs:    make(map[int]chan Snapshots),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	empty := Snapshots{}
	r.current.Store(&empty)
	return r
}

func NewID() string {
	return uuid.NewString()
}

// Snapshot returns the current map. Callers must not modify it.
func (r *Registry) Snapshot() Snapshots {
	return *r.current.Load()
}

func (r *Registry) Get(id string) (model.TransferSnapshot, bool) {
	s, ok := r.Snapshot()[id]
	return s, ok
}

// Create registers a new transfer in WAITING state. An existing id is left
// untouched and false is returned.
func (r *Registry) Create(id string, dir model.Direction, peer model.Peer, name, mime string, size int64) (model.TransferSnapshot, bool) {
	if size < 0 {
		size = -1
	}
	snap := model.TransferSnapshot{
		ID:        id,
		Direction: dir,
		Peer:      peer,
		Name:      name,
		Mime:      mime,
		Size:      size,
		Status:    model.StatusWaiting,
	}

	created := false
	r.mutate(func(m Snapshots) (model.TransferSnapshot, bool) {
		if _, ok := m[id]; ok {
			return model.TransferSnapshot{}, false
		}
		snap.CreatedAt = r.now()
		m[id] = snap
		created = true
		return snap, true
	})
	return snap, created
}

// UpdateProgress records bytes moved so far and moves the transfer to
// TRANSFERRING. Values never go backwards, never exceed a known size, and
// are ignored once the transfer is terminal or when id is unknown.
func (r *Registry) UpdateProgress(id string, bytes int64) {
	r.mutate(func(m Snapshots) (model.TransferSnapshot, bool) {
		s, ok := m[id]
		if !ok || s.Status.Terminal() {
			return s, false
		}
		if s.Size >= 0 && bytes > s.Size {
			bytes = s.Size
		}
		if bytes < s.BytesTransferred {
			bytes = s.BytesTransferred
		}
		if bytes == s.BytesTransferred && s.Status == model.StatusTransferring {
			return s, false
		}
		s.BytesTransferred = bytes
		s.Status = model.StatusTransferring
		m[id] = s
		return s, true
	})
}

// Transition moves a transfer into a terminal status and returns the status
// that was recorded. Progress stays at the last UpdateProgress value. A
// pending cancel request turns DONE or FAILED into CANCELLED; the check
// happens under the same lock RequestCancel takes, so a cancel that lands
// before the transition always wins. Unknown ids and already terminal
// transfers are left untouched and report false.
func (r *Registry) Transition(id string, status model.TransferStatus, res model.TransferResult) (model.TransferStatus, bool) {
	if !status.Terminal() {
		return status, false
	}

	applied := false
	r.mutate(func(m Snapshots) (model.TransferSnapshot, bool) {
		s, ok := m[id]
		if !ok || s.Status.Terminal() {
			return s, false
		}
		if (status == model.StatusDone || status == model.StatusFailed) && r.cancelledLocked(id) {
			status, res = model.StatusCancelled, model.TransferResult{}
		}
		s.Status = status
		if res.Error != "" {
			s.Error = res.Error
		}
		if res.SavedLocation != "" {
			s.SavedLocation = res.SavedLocation
		}
		at := r.now()
		s.FinishedAt = &at
		m[id] = s
		applied = true
		return s, true
	})
	return status, applied
}

// RequestCancel flags id for cooperative cancellation. Repeated calls are
// no-ops.
func (r *Registry) RequestCancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.cancels[id]
	if !ok {
		ch = make(chan struct{})
		r.cancels[id] = ch
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (r *Registry) IsCancelled(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelledLocked(id)
}

func (r *Registry) cancelledLocked(id string) bool {
	ch, ok := r.cancels[id]
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// CancelChan returns a channel closed once RequestCancel(id) is called.
func (r *Registry) CancelChan(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.cancels[id]
	if !ok {
		ch = make(chan struct{})
		r.cancels[id] = ch
	}
	return ch
}

func (r *Registry) ClearCancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

// Subscribe returns a channel that receives the current map immediately and
// then after every mutation. Slow subscribers only see the latest map.
func (r *Registry) Subscribe() (<-chan Snapshots, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan Snapshots, 1)
	ch <- r.Snapshot()

	id := r.nextID
	r.nextID++
	r.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
}

func (r *Registry) mutate(fn func(Snapshots) (model.TransferSnapshot, bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := maps.Clone(r.Snapshot())
	changed, ok := fn(next)
	if !ok {
		return
	}
	r.current.Store(&next)

	for _, obs := range r.observers {
		obs(changed)
	}

	for _, ch := range r.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}
