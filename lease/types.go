package lease

import "fmt"

// Type is the access mode a lease grants.
type Type uint8

const (
	Exclusive Type = iota
	Shared
	ReadOnly
	WriteOnly
	Timed
)

func (t Type) String() string {
	switch t {
	case Exclusive:
		return "exclusive"
	case Shared:
		return "shared"
	case ReadOnly:
		return "read_only"
	case WriteOnly:
		return "write_only"
	case Timed:
		return "timed"
	default:
		return "unknown"
	}
}

// exclusive reports whether the type excludes every other lease on the resource.
func (t Type) exclusive() bool {
	return t == Exclusive || t == WriteOnly
}

func (t Type) valid() bool {
	return t <= Timed
}

// State is the lifecycle position of a lease.
type State uint8

const (
	Active State = iota
	Expired
	Revoked
	Suspended
	Renewing
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Revoked:
		return "revoked"
	case Suspended:
		return "suspended"
	case Renewing:
		return "renewing"
	default:
		return "unknown"
	}
}

// holding reports whether a lease in state s still occupies its resource.
func (s State) holding() bool {
	return s == Active || s == Suspended || s == Renewing
}

// Holder identifies the task holding a lease.
type Holder struct {
	PID      uint32
	TID      uint32
	Priority uint8
}

func (h Holder) String() string {
	return fmt.Sprintf("%d/%d", h.PID, h.TID)
}

// Lease is a time-bounded grant on a resource.
type Lease struct {
	ID          uint64
	ResourceID  uint64
	Type        Type
	Holder      Holder
	State       State
	GrantedAtNs uint64
	ExpiresAtNs uint64
	DurationNs  uint64
	Renewals    uint32
	MaxRenewals uint32
	AutoRenew   bool
}

// Request is a lease ask. Denied requests are kept in the pending queue.
type Request struct {
	Holder     Holder
	ResourceID uint64
	Type       Type
	DurationNs uint64
	QueuedAtNs uint64
}

// Stats counts lease activity.
type Stats struct {
	Granted         uint64
	Denied          uint64
	Released        uint64
	Revoked         uint64
	Expired         uint64
	Renewals        uint64
	AutoRenewals    uint64
	RenewalsRefused uint64
	PendingDropped  uint64
	Active          int
	Pending         int
	Records         int
}
