package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "strata"

// NewSpace creates collectors of the space manager and registers them.
func NewSpace(registerer prometheus.Registerer) (*Space, error) {
	m := &Space{
		BlocksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "space",
			Name:      "blocks_created_total",
			Help:      "Number of file blocks appended to the data file",
		}),
		BlocksReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "space",
			Name:      "blocks_reused_total",
			Help:      "Number of empty file blocks handed out again",
		}),
		BlocksFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "space",
			Name:      "blocks_freed_total",
			Help:      "Number of file blocks returned to the empty pool",
		}),
		DirectoryGrowths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "space",
			Name:      "directory_growths_total",
			Help:      "Number of times the directory space was extended ahead of an allocation",
		}),
	}

	if err := register(registerer, m.BlocksCreated, m.BlocksReused, m.BlocksFreed, m.DirectoryGrowths); err != nil {
		return nil, err
	}
	return m, nil
}

// Space contains collectors of the space manager.
type Space struct {
	BlocksCreated    prometheus.Counter
	BlocksReused     prometheus.Counter
	BlocksFreed      prometheus.Counter
	DirectoryGrowths prometheus.Counter
}

// BlocksCreatedAdd records blocks appended to the file.
func (m *Space) BlocksCreatedAdd(n int64) {
	if m != nil {
		m.BlocksCreated.Add(float64(n))
	}
}

// BlocksReusedAdd records empty blocks handed out again.
func (m *Space) BlocksReusedAdd(n int64) {
	if m != nil {
		m.BlocksReused.Add(float64(n))
	}
}

// BlocksFreedAdd records blocks which became empty.
func (m *Space) BlocksFreedAdd(n int64) {
	if m != nil {
		m.BlocksFreed.Add(float64(n))
	}
}

// DirectoryGrowthsInc records extension of the directory space.
func (m *Space) DirectoryGrowthsInc() {
	if m != nil {
		m.DirectoryGrowths.Inc()
	}
}

// NewIndex creates collectors of ordered indexes and registers them.
func NewIndex(registerer prometheus.Registerer) (*Index, error) {
	m := &Index{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "operations_total",
			Help:      "Number of index operations",
		}, []string{"index", "op"}),
	}

	if err := register(registerer, m.Operations); err != nil {
		return nil, err
	}
	return m, nil
}

// Index contains collectors of ordered indexes.
type Index struct {
	Operations *prometheus.CounterVec
}

// Inserted records successful insert.
func (m *Index) Inserted(index string) {
	m.inc(index, "insert")
}

// Deleted records delete.
func (m *Index) Deleted(index string) {
	m.inc(index, "delete")
}

// Duplicate records insert rejected because of duplicated key.
func (m *Index) Duplicate(index string) {
	m.inc(index, "duplicate")
}

func (m *Index) inc(index, op string) {
	if m != nil {
		m.Operations.WithLabelValues(index, op).Inc()
	}
}

func register(registerer prometheus.Registerer, collectors ...prometheus.Collector) error {
	if registerer == nil {
		return nil
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return errors.Wrap(err, "registering collector failed")
		}
	}
	return nil
}
