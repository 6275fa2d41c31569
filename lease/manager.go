// Package lease grants time-bounded exclusive or shared holds on resources.
//
// A resource carries either one exclusive (Exclusive or WriteOnly) lease or
// up to max-shared Shared, ReadOnly and Timed leases, never both. Expiry is
// only observed when the caller invokes Tick. A Manager is not safe for
// concurrent use.
package lease

import (
	"cmp"
	"errors"
	"maps"
	"slices"
)

const (
	defaultMaxShared   = 8
	defaultMaxRenewals = 3
	defaultMaxPending  = 256
)

var (
	// ErrInvalidDuration is returned for requests with a zero duration.
	ErrInvalidDuration = errors.New("lease: duration must be positive")

	// ErrUnknownType is returned for requests with an undefined lease type.
	ErrUnknownType = errors.New("lease: unknown lease type")

	// ErrDenied is returned when the resource cannot take the lease now. The
	// request has been queued.
	ErrDenied = errors.New("lease: resource is held")

	// ErrPendingQueueFull is returned when a denied request could not be queued.
	ErrPendingQueueFull = errors.New("lease: pending queue is full")
)

// Config tunes the manager.
type Config struct {
	MaxShared   uint32 // default per-resource shared limit
	MaxRenewals uint32
	AutoRenew   bool
	MaxPending  int
}

// DefaultConfig returns the default lease configuration.
func DefaultConfig() Config {
	return Config{
		MaxShared:   defaultMaxShared,
		MaxRenewals: defaultMaxRenewals,
		MaxPending:  defaultMaxPending,
	}
}

func (c Config) normalize() Config {
	if c.MaxShared == 0 {
		c.MaxShared = defaultMaxShared
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaultMaxPending
	}
	return c
}

// resource tracks the leases currently holding one resource id.
type resource struct {
	exclusive uint64 // lease id, zero when free
	shared    map[uint64]struct{}
	maxShared uint32
}

// Manager is the lease table.
type Manager struct {
	cfg       Config
	nextID    uint64
	leases    map[uint64]*Lease
	resources map[uint64]*resource
	limits    map[uint64]uint32 // per-resource max_shared overrides
	pending   []Request
	stats     Stats
}

// NewManager creates an empty lease table.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg.normalize(),
		leases:    make(map[uint64]*Lease),
		resources: make(map[uint64]*resource),
		limits:    make(map[uint64]uint32),
	}
}

// SetMaxShared overrides the shared lease limit for one resource. Existing
// shared leases above the new limit are kept until they end.
func (m *Manager) SetMaxShared(resourceID uint64, n uint32) {
	if n == 0 {
		delete(m.limits, resourceID)
	} else {
		m.limits[resourceID] = n
	}
	if r, ok := m.resources[resourceID]; ok {
		r.maxShared = m.maxShared(resourceID)
	}
}

func (m *Manager) maxShared(resourceID uint64) uint32 {
	if n, ok := m.limits[resourceID]; ok {
		return n
	}
	return m.cfg.MaxShared
}

func (m *Manager) resource(resourceID uint64) *resource {
	var r, ok = m.resources[resourceID]
	if !ok {
		r = &resource{shared: make(map[uint64]struct{}), maxShared: m.maxShared(resourceID)}
		m.resources[resourceID] = r
	}
	return r
}

func (m *Manager) canGrant(resourceID uint64, typ Type) bool {
	var r, ok = m.resources[resourceID]
	if !ok {
		return true
	}
	if typ.exclusive() {
		return r.exclusive == 0 && len(r.shared) == 0
	}
	return r.exclusive == 0 && uint32(len(r.shared)) < r.maxShared
}

// RequestLease grants a lease when the resource allows it. A denied request is
// queued for RetryPending and counted.
func (m *Manager) RequestLease(holder Holder, resourceID uint64, typ Type, durationNs uint64, now uint64) (uint64, bool) {
	var id, err = m.Submit(Request{Holder: holder, ResourceID: resourceID, Type: typ, DurationNs: durationNs}, now)
	return id, err == nil
}

// Submit is RequestLease with validation errors reported. On denial it
// returns ErrDenied, or ErrPendingQueueFull if the request was dropped.
func (m *Manager) Submit(req Request, now uint64) (uint64, error) {
	if req.DurationNs == 0 {
		return 0, ErrInvalidDuration
	}
	if !req.Type.valid() {
		return 0, ErrUnknownType
	}

	if !m.canGrant(req.ResourceID, req.Type) {
		m.stats.Denied++
		if len(m.pending) >= m.cfg.MaxPending {
			m.stats.PendingDropped++
			return 0, ErrPendingQueueFull
		}
		req.QueuedAtNs = now
		m.pending = append(m.pending, req)
		return 0, ErrDenied
	}
	return m.grant(req, now), nil
}

func (m *Manager) grant(req Request, now uint64) uint64 {
	m.nextID++
	var l = &Lease{
		ID:          m.nextID,
		ResourceID:  req.ResourceID,
		Type:        req.Type,
		Holder:      req.Holder,
		State:       Active,
		GrantedAtNs: now,
		ExpiresAtNs: now + req.DurationNs,
		DurationNs:  req.DurationNs,
		MaxRenewals: m.cfg.MaxRenewals,
		AutoRenew:   m.cfg.AutoRenew,
	}
	m.leases[l.ID] = l

	var r = m.resource(req.ResourceID)
	if req.Type.exclusive() {
		r.exclusive = l.ID
	} else {
		r.shared[l.ID] = struct{}{}
	}
	m.stats.Granted++
	return l.ID
}

// drop removes l from its resource's active set.
func (m *Manager) drop(l *Lease) {
	var r, ok = m.resources[l.ResourceID]
	if !ok {
		return
	}
	if r.exclusive == l.ID {
		r.exclusive = 0
	}
	delete(r.shared, l.ID)
	if r.exclusive == 0 && len(r.shared) == 0 {
		delete(m.resources, l.ResourceID)
	}
}

// Release ends a held lease at the holder's request and forgets it.
func (m *Manager) Release(id uint64) bool {
	var l, ok = m.leases[id]
	if !ok || !l.State.holding() {
		return false
	}
	m.drop(l)
	delete(m.leases, id)
	m.stats.Released++
	return true
}

// Revoke forcibly ends a held lease. The record stays in the Revoked state
// until Compact.
func (m *Manager) Revoke(id uint64) bool {
	var l, ok = m.leases[id]
	if !ok || !l.State.holding() {
		return false
	}
	m.drop(l)
	l.State = Revoked
	m.stats.Revoked++
	return true
}

// Renew extends an active lease to now+duration. It fails once the lease has
// used MaxRenewals renewals; the holder must then request a new lease.
func (m *Manager) Renew(id uint64, now uint64) bool {
	var l, ok = m.leases[id]
	if !ok {
		return false
	}
	if l.State != Active || l.Renewals >= l.MaxRenewals {
		m.stats.RenewalsRefused++
		return false
	}
	l.ExpiresAtNs = now + l.DurationNs
	l.Renewals++
	m.stats.Renewals++
	return true
}

// Suspend pauses an active lease. A suspended lease keeps its hold, cannot be
// renewed and still expires.
func (m *Manager) Suspend(id uint64) bool {
	var l, ok = m.leases[id]
	if !ok || l.State != Active {
		return false
	}
	l.State = Suspended
	return true
}

// Resume reactivates a suspended lease that has not yet expired.
func (m *Manager) Resume(id uint64, now uint64) bool {
	var l, ok = m.leases[id]
	if !ok || l.State != Suspended || now >= l.ExpiresAtNs {
		return false
	}
	l.State = Active
	return true
}

// Tick expires or auto-renews every held lease whose expiry has passed and
// returns the number that expired.
func (m *Manager) Tick(now uint64) int {
	var expired, _ = m.Sweep(now)
	return len(expired)
}

// Sweep is Tick reporting which leases expired and which were auto-renewed,
// both in id order.
func (m *Manager) Sweep(now uint64) (expired, renewed []uint64) {
	for _, id := range slices.Sorted(maps.Keys(m.leases)) {
		var l = m.leases[id]
		if !l.State.holding() || now < l.ExpiresAtNs {
			continue
		}
		if l.State == Active && l.AutoRenew && l.Renewals < l.MaxRenewals {
			l.ExpiresAtNs = now + l.DurationNs
			l.Renewals++
			m.stats.AutoRenewals++
			renewed = append(renewed, id)
			continue
		}
		m.drop(l)
		l.State = Expired
		m.stats.Expired++
		expired = append(expired, id)
	}
	return expired, renewed
}

// RetryPending attempts every queued request, highest holder priority first
// and FIFO within a priority. Granted requests leave the queue; the new lease
// ids are returned in grant order.
func (m *Manager) RetryPending(now uint64) []uint64 {
	if len(m.pending) == 0 {
		return nil
	}

	var order = make([]int, len(m.pending))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(m.pending[b].Holder.Priority, m.pending[a].Holder.Priority)
	})

	var (
		granted []uint64
		done    = make([]bool, len(m.pending))
	)
	for _, i := range order {
		var req = m.pending[i]
		if m.canGrant(req.ResourceID, req.Type) {
			granted = append(granted, m.grant(req, now))
			done[i] = true
		}
	}

	var kept = m.pending[:0]
	for i, req := range m.pending {
		if !done[i] {
			kept = append(kept, req)
		}
	}
	m.pending = kept
	return granted
}

// Pending returns the queued requests in arrival order.
func (m *Manager) Pending() []Request {
	return slices.Clone(m.pending)
}

// Get returns a copy of the lease.
func (m *Manager) Get(id uint64) (Lease, bool) {
	var l, ok = m.leases[id]
	if !ok {
		return Lease{}, false
	}
	return *l, true
}

// Holders returns the leases currently holding a resource, ordered by id.
func (m *Manager) Holders(resourceID uint64) []Lease {
	var r, ok = m.resources[resourceID]
	if !ok {
		return nil
	}
	var ids = slices.Sorted(maps.Keys(r.shared))
	if r.exclusive != 0 {
		ids = append(ids, r.exclusive)
		slices.Sort(ids)
	}

	var out = make([]Lease, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.leases[id])
	}
	return out
}

// Compact forgets expired and revoked lease records and returns how many were
// removed.
func (m *Manager) Compact() int {
	var n int
	for id, l := range m.leases {
		if !l.State.holding() {
			delete(m.leases, id)
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	var st = m.stats
	st.Pending = len(m.pending)
	st.Records = len(m.leases)
	for _, l := range m.leases {
		if l.State.holding() {
			st.Active++
		}
	}
	return st
}
