package devconn

import (
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Table is the process-wide set of authenticated connections.
type Table struct {
	mu    sync.Mutex
	seq   uint64
	conns map[string]*Conn
}

func NewTable() *Table {
	return &Table{conns: make(map[string]*Conn)}
}

func (t *Table) Register(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	c.seq = t.seq
	t.conns[c.id] = c
}

// Unregister removes id and reports whether it was present, so only the first
// of several racing removals wins.
func (t *Table) Unregister(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[id]; !ok {
		return false
	}
	delete(t.conns, id)
	return true
}

func (t *Table) Get(id string) (*Conn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[id]
	return c, ok
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Snapshot lists the connections in registration order.
func (t *Table) Snapshot() []*Conn {
	t.mu.Lock()
	out := make([]*Conn, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, c)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b *Conn) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// Environment lists the connections authenticated for envID in registration order.
func (t *Table) Environment(envID string) []*Conn {
	return slices.DeleteFunc(t.Snapshot(), func(c *Conn) bool { return c.env.ID != envID })
}

// Gauge reports the table size at collection time.
func (t *Table) Gauge() prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dev_authenticated_connections",
		Help: "Number of authenticated dev connections",
	}, func() float64 {
		return float64(t.Len())
	})
}
