// Package anomaly flags metrics that deviate from their recent history.
package anomaly

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"report-scheduler/internal/models"
)

// Input is what the detector sees for one report.
type Input struct {
	ClientID string
	ReportID string
	Period   models.Period
	Current  map[string]float64
	// History holds prior periods' aggregated metrics, most recent first.
	History []map[string]float64
	Now     time.Time
}

// Detector turns an input into anomaly records.
type Detector interface {
	Detect(ctx context.Context, in Input) ([]models.Anomaly, error)
}

// ZScore compares each metric to the mean and standard deviation of its
// history. Metrics with fewer than MinHistory prior values are ignored.
type ZScore struct {
	MinHistory int
	Warning    float64
	Critical   float64
	// FlatDelta flags a change of at least this many percent when the
	// history has no variance.
	FlatDelta float64
}

func NewZScore() *ZScore {
	return &ZScore{MinHistory: 3, Warning: 2, Critical: 3, FlatDelta: 50}
}

func (z *ZScore) Detect(ctx context.Context, in Input) ([]models.Anomaly, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics := make([]string, 0, len(in.Current))
	for m := range in.Current {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	var out []models.Anomaly
	for _, metric := range metrics {
		var series []float64
		for _, h := range in.History {
			if v, ok := h[metric]; ok {
				series = append(series, v)
			}
		}
		if len(series) < z.MinHistory {
			continue
		}
		value := in.Current[metric]
		mean, sd := meanStd(series)
		delta := 0.0
		if mean != 0 {
			delta = (value - mean) / math.Abs(mean) * 100
		}

		var score float64
		var severity string
		if sd == 0 {
			if value == mean || math.Abs(delta) < z.FlatDelta {
				continue
			}
			severity = models.SeverityWarning
		} else {
			score = (value - mean) / sd
			switch abs := math.Abs(score); {
			case abs >= z.Critical:
				severity = models.SeverityCritical
			case abs >= z.Warning:
				severity = models.SeverityWarning
			default:
				continue
			}
		}
		out = append(out, models.Anomaly{
			ID:           uuid.New().String(),
			ClientID:     in.ClientID,
			ReportID:     in.ReportID,
			Metric:       metric,
			Severity:     severity,
			Value:        value,
			Baseline:     round2(mean),
			DeltaPercent: round2(delta),
			ZScore:       round2(score),
			DetectedAt:   in.Now,
		})
	}
	return out, nil
}

func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
