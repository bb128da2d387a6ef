package transport

import (
	"sync"

	"github.com/pkg/errors"
)

// PortRange is an inclusive range of ports [Min, Max] tried in ascending order.
type PortRange struct {
	Min, Max uint16
}

func (r PortRange) Validate() error {
	if r.Min == 0 {
		return errors.New("port range must not start at 0")
	}
	if r.Min > r.Max {
		return errors.Errorf("max(%d) must be greater or equal than min(%d)", r.Max, r.Min)
	}
	return nil
}

// Ports returns every port of the range in bind order.
func (r PortRange) Ports() []uint16 {
	if r.Min > r.Max {
		return nil
	}

	ports := make([]uint16, 0, int(r.Max)-int(r.Min)+1)
	for p := int(r.Min); p <= int(r.Max); p++ {
		ports = append(ports, uint16(p))
	}
	return ports
}

func (r PortRange) Contains(port uint16) bool {
	return port >= r.Min && port <= r.Max
}

// PortTable tracks occupied ports of a single host.
type PortTable struct {
	table map[uint16]struct{}
	mu    sync.Mutex

	ephemeral  [2]uint16 // start, end
	rand       func() uint16
	maxRandTry uint
}

type EphemeralPortOptions struct {
	Range  [2]uint16 // [start, end)
	Rand   func() uint16
	MaxTry uint
}

func (o EphemeralPortOptions) validate() error {
	if o.Range[0] > o.Range[1] {
		return errors.Errorf("end(%d) must be greater or equal than start(%d)", o.Range[1], o.Range[0])
	}
	if o.Rand == nil {
		return errors.New("rand function must be provided")
	}
	return nil
}

func NewPortTable(opts EphemeralPortOptions) *PortTable {
	if err := opts.validate(); err != nil {
		panic(err)
	}

	return &PortTable{
		table:      make(map[uint16]struct{}),
		ephemeral:  opts.Range,
		rand:       opts.Rand,
		maxRandTry: opts.MaxTry,
	}
}

// Occupy marks port as used. Port 0 picks a free ephemeral port.
// The returned release func frees the port again.
func (p *PortTable) Occupy(port uint16) (ok bool, result uint16, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port == 0 {
		return p.occupyEphemeralLocked()
	}

	if ok, release := p.occupyLocked(port); ok {
		return true, port, release
	}

	return false, 0, nil
}

// InUse reports whether port is currently occupied.
func (p *PortTable) InUse(port uint16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, found := p.table[port]
	return found
}

func (p *PortTable) occupyEphemeralLocked() (ok bool, port uint16, release func()) {
	for try := uint(0); try < p.maxRandTry; try++ {
		port := p.selectEphemeral()

		if port == 0 {
			continue
		}

		if ok, release := p.occupyLocked(port); ok {
			return true, port, release
		}
	}

	return false, 0, nil
}

func (p *PortTable) occupyLocked(port uint16) (ok bool, release func()) {
	if _, found := p.table[port]; found {
		return false, nil
	}

	p.table[port] = struct{}{}

	var once sync.Once
	release = func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.table, port)
		})
	}

	return true, release
}

func (p *PortTable) selectEphemeral() uint16 {
	gap := p.ephemeral[1] - p.ephemeral[0]
	if gap == 0 {
		return p.ephemeral[0]
	}
	return p.ephemeral[0] + (p.rand() % gap)
}
