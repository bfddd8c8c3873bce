package connector

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"report-scheduler/internal/models"
)

// Static reports fixed per-day values from config, one "metric=value" pair
// per comma separated entry. It backs demo data sources.
type Static struct {
	values map[string]float64
}

func NewStatic(ds models.DataSource) (Connector, error) {
	values := map[string]float64{}
	for _, pair := range strings.Split(ds.Config["metrics"], ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("static metric %q is not name=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("static metric %q: %w", name, err)
		}
		values[strings.TrimSpace(name)] = v
	}
	return &Static{values: values}, nil
}

func (s *Static) FetchMetrics(_ context.Context, period models.Period) ([]MetricRow, error) {
	var out []MetricRow
	for d := period.Start; !d.After(period.End); d = d.AddDate(0, 0, 1) {
		for name, v := range s.values {
			out = append(out, MetricRow{Date: d.Format(models.DateLayout), Metric: name, Value: v})
		}
	}
	return out, nil
}

func (s *Static) FetchDimensions(context.Context, models.Period) ([]DimensionRow, error) {
	return nil, nil
}

func (s *Static) TestConnection(context.Context) error { return nil }
