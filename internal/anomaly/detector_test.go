package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"report-scheduler/internal/models"
)

func history(metric string, values ...float64) []map[string]float64 {
	out := make([]map[string]float64, len(values))
	for i, v := range values {
		out[i] = map[string]float64{metric: v}
	}
	return out
}

func TestZScoreSeverities(t *testing.T) {
	d := NewZScore()
	now := time.Date(2024, 1, 10, 0, 5, 0, 0, time.UTC)
	// mean 100, population sd 10
	hist := history("sessions", 90, 110, 90, 110)

	tests := []struct {
		name     string
		value    float64
		severity string
	}{
		{"within band", 115, ""},
		{"warning", 125, models.SeverityWarning},
		{"critical drop", 60, models.SeverityCritical},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := d.Detect(context.Background(), Input{
				ClientID: "c1",
				Current:  map[string]float64{"sessions": tc.value},
				History:  hist,
				Now:      now,
			})
			require.NoError(t, err)
			if tc.severity == "" {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tc.severity, got[0].Severity)
			assert.Equal(t, "sessions", got[0].Metric)
			assert.Equal(t, 100.0, got[0].Baseline)
			assert.Equal(t, now, got[0].DetectedAt)
			assert.NotEmpty(t, got[0].ID)
		})
	}
}

func TestZScoreNeedsHistory(t *testing.T) {
	got, err := NewZScore().Detect(context.Background(), Input{
		Current: map[string]float64{"sessions": 1000},
		History: history("sessions", 10, 10),
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestZScoreFlatHistory(t *testing.T) {
	d := NewZScore()
	got, err := d.Detect(context.Background(), Input{
		Current: map[string]float64{"sessions": 10, "clicks": 5},
		History: append(history("sessions", 20, 20, 20), history("clicks", 5, 5, 5)...),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sessions", got[0].Metric)
	assert.Equal(t, -50.0, got[0].DeltaPercent)
	assert.Equal(t, models.SeverityWarning, got[0].Severity)
}
