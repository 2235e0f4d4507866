// Package portalloc hands out TCP ports to concurrently launched services.
//
// Each worker rank owns a disjoint band of ports. Inside a process a single
// Allocator serializes acquisition, and a port stays leased until it is
// explicitly released, so two in-flight attempts never receive the same port.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

const (
	DefaultBase     = 30000
	DefaultBandSize = 5000

	// DefaultProbeDelay is multiplied by the rank before each probe to
	// stagger ranks that start at the same moment.
	DefaultProbeDelay = 100 * time.Millisecond
)

var (
	// ErrNoFreePort is returned when every port in the band is leased or busy.
	ErrNoFreePort = errors.New("no free port available")

	// ErrNotLeased is returned when releasing a port this allocator does not hold.
	ErrNotLeased = errors.New("port is not leased")
)

// Prober reports whether a port can be bound right now.
type Prober func(port int) error

// TCPProbe binds and immediately closes a listener on port.
func TCPProbe(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}

// Lease is a port held by an owner.
type Lease struct {
	Port       int       `json:"port"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Config configures an Allocator.
type Config struct {
	Rank       int
	Base       int
	BandSize   int
	ProbeDelay time.Duration

	// Prober defaults to TCPProbe.
	Prober Prober

	// Sleep defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Now func() time.Time
}

// Allocator leases ports from a rank's band.
type Allocator struct {
	mu     sync.Mutex
	cfg    Config
	leases map[int]Lease
}

// New returns an allocator for cfg, filling zero fields with defaults.
func New(cfg Config) *Allocator {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBase
	}
	if cfg.BandSize <= 0 {
		cfg.BandSize = DefaultBandSize
	}
	if cfg.Rank < 0 {
		cfg.Rank = 0
	}
	if cfg.Prober == nil {
		cfg.Prober = TCPProbe
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Allocator{
		cfg:    cfg,
		leases: make(map[int]Lease),
	}
}

// Band returns the first and last port (inclusive) of this allocator's band.
func (a *Allocator) Band() (int, int) {
	lo := a.cfg.Base + a.cfg.Rank*a.cfg.BandSize
	return lo, lo + a.cfg.BandSize - 1
}

// Acquire leases the lowest port in the band that is neither leased nor
// busy at the OS level.
//
// The allocator lock is held for the whole scan, so concurrent callers
// always receive distinct ports.
func (a *Allocator) Acquire(ctx context.Context, owner string) (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	lo, hi := a.Band()
	delay := time.Duration(a.cfg.Rank) * a.cfg.ProbeDelay

	for port := lo; port <= hi; port++ {
		if err := ctx.Err(); err != nil {
			return Lease{}, err
		}
		if _, held := a.leases[port]; held {
			continue
		}
		if delay > 0 {
			if err := a.cfg.Sleep(ctx, delay); err != nil {
				return Lease{}, err
			}
		}
		if err := a.cfg.Prober(port); err != nil {
			continue
		}
		lease := Lease{Port: port, Owner: owner, AcquiredAt: a.cfg.Now().UTC()}
		a.leases[port] = lease
		return lease, nil
	}
	return Lease{}, fmt.Errorf("%w in range %d-%d", ErrNoFreePort, lo, hi)
}

// Release returns port to the pool.
func (a *Allocator) Release(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, held := a.leases[port]; !held {
		return fmt.Errorf("%w: %d", ErrNotLeased, port)
	}
	delete(a.leases, port)
	return nil
}

// IsLeased reports whether port is currently leased.
func (a *Allocator) IsLeased(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, held := a.leases[port]
	return held
}

// Leases returns the current leases ordered by port.
func (a *Allocator) Leases() []Lease {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Lease, 0, len(a.leases))
	for _, l := range a.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
