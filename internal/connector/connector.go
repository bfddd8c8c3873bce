// Package connector defines the data source contract report generation pulls
// metrics through, and a registry that builds connectors from stored
// data source rows.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"report-scheduler/internal/models"
)

// MetricRow is one metric value for one day.
type MetricRow struct {
	Date   string  `json:"date"`
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
}

// DimensionRow breaks a metric down by a dimension such as page or campaign.
type DimensionRow struct {
	Dimension string  `json:"dimension"`
	Key       string  `json:"key"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
}

// Connector fetches report inputs from one data source.
type Connector interface {
	FetchMetrics(ctx context.Context, period models.Period) ([]MetricRow, error)
	FetchDimensions(ctx context.Context, period models.Period) ([]DimensionRow, error)
	TestConnection(ctx context.Context) error
}

// Factory builds a connector for a data source row.
type Factory func(ds models.DataSource) (Connector, error)

// Registry maps data source kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry knows the connectors shipped with the module.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindCSV, NewCSV)
	r.Register(KindStatic, NewStatic)
	return r
}

// Register binds kind to f, replacing any earlier factory.
func (r *Registry) Register(kind string, f Factory) {
	if kind == "" || f == nil {
		return
	}
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build returns a connector for ds.
func (r *Registry) Build(ds models.DataSource) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[ds.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for kind %q", ds.Kind)
	}
	c, err := f(ds)
	if err != nil {
		return nil, fmt.Errorf("build %s connector %s: %w", ds.Kind, ds.ID, err)
	}
	return c, nil
}

// Aggregate sums rows per metric.
func Aggregate(rows []MetricRow) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range rows {
		out[r.Metric] += r.Value
	}
	return out
}
