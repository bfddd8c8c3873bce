package connector

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"report-scheduler/internal/models"
)

const (
	KindCSV    = "csv"
	KindStatic = "static"
)

// CSV reads a local file with a header row. Columns "date", "metric" and
// "value" are required; an optional "dimension" plus "key" pair feeds
// FetchDimensions.
type CSV struct {
	path string
}

// NewCSV expects the file location in config["path"].
func NewCSV(ds models.DataSource) (Connector, error) {
	path := strings.TrimSpace(ds.Config["path"])
	if path == "" {
		return nil, errors.New("csv connector needs config.path")
	}
	return &CSV{path: path}, nil
}

type csvRecord struct {
	date      time.Time
	metric    string
	value     float64
	dimension string
	key       string
}

func (c *CSV) read(ctx context.Context) ([]csvRecord, error) {
	f, err := os.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"date", "metric", "value"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csv missing column %q", required)
		}
	}

	var out []csvRecord
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		d, err := time.Parse(models.DateLayout, rec[cols["date"]])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad date: %w", line, err)
		}
		v, err := strconv.ParseFloat(rec[cols["value"]], 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad value: %w", line, err)
		}
		row := csvRecord{date: d, metric: rec[cols["metric"]], value: v}
		if i, ok := cols["dimension"]; ok {
			row.dimension = rec[i]
		}
		if i, ok := cols["key"]; ok {
			row.key = rec[i]
		}
		out = append(out, row)
	}
	return out, nil
}

func inPeriod(d time.Time, p models.Period) bool {
	return !d.Before(p.Start) && !d.After(p.End)
}

func (c *CSV) FetchMetrics(ctx context.Context, period models.Period) ([]MetricRow, error) {
	records, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	var out []MetricRow
	for _, r := range records {
		if r.dimension == "" && inPeriod(r.date, period) {
			out = append(out, MetricRow{Date: r.date.Format(models.DateLayout), Metric: r.metric, Value: r.value})
		}
	}
	return out, nil
}

func (c *CSV) FetchDimensions(ctx context.Context, period models.Period) ([]DimensionRow, error) {
	records, err := c.read(ctx)
	if err != nil {
		return nil, err
	}
	totals := map[[3]string]float64{}
	var order [][3]string
	for _, r := range records {
		if r.dimension == "" || !inPeriod(r.date, period) {
			continue
		}
		k := [3]string{r.dimension, r.key, r.metric}
		if _, seen := totals[k]; !seen {
			order = append(order, k)
		}
		totals[k] += r.value
	}
	out := make([]DimensionRow, 0, len(order))
	for _, k := range order {
		out = append(out, DimensionRow{Dimension: k[0], Key: k[1], Metric: k[2], Value: totals[k]})
	}
	return out, nil
}

func (c *CSV) TestConnection(context.Context) error {
	st, err := os.Stat(c.path)
	if err != nil {
		return fmt.Errorf("stat csv: %w", err)
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", c.path)
	}
	return nil
}
