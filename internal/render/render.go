// Package render turns collected report data into an HTML artifact with an
// embedded trend chart.
package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html/template"
	"sort"
	"strings"
	"time"

	"report-scheduler/internal/models"
	"report-scheduler/internal/storage"
)

// Document is the render context for one report.
type Document struct {
	JobID      string
	Client     models.Client
	Period     models.Period
	Template   models.Template
	Metrics    map[string]float64
	Dimensions []DimensionLine
	// History is prior periods' metrics, most recent first.
	History     []map[string]float64
	Anomalies   []models.Anomaly
	GeneratedAt time.Time
}

// DimensionLine is one breakdown row shown under the metrics table.
type DimensionLine struct {
	Dimension string
	Key       string
	Metric    string
	Value     float64
}

// Renderer produces an artifact and returns its relative storage path.
type Renderer interface {
	Render(ctx context.Context, doc Document) (string, error)
}

// HTML renders with html/template and stores through an uploader.
type HTML struct {
	uploader storage.Uploader
	chart    ChartOptions
}

func NewHTML(uploader storage.Uploader) *HTML {
	return &HTML{uploader: uploader, chart: DefaultChartOptions()}
}

type metricLine struct {
	Name     string
	Value    float64
	Previous *float64
}

type view struct {
	Title       string
	ClientName  string
	Period      string
	Metrics     []metricLine
	Dimensions  []DimensionLine
	Anomalies   []models.Anomaly
	Chart       template.URL
	ChartMetric string
	GeneratedAt string
}

// Render writes reports/<client>/<period>/<job>.html.
func (h *HTML) Render(ctx context.Context, doc Document) (string, error) {
	body := doc.Template.Body
	if strings.TrimSpace(body) == "" {
		body = defaultTemplate
	}
	tmpl, err := template.New(doc.Template.Name).Funcs(template.FuncMap{
		"num": func(v float64) string { return fmt.Sprintf("%.2f", v) },
	}).Parse(body)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", doc.Template.ID, err)
	}

	v := view{
		Title:       fmt.Sprintf("%s report %s", doc.Client.Name, doc.Period),
		ClientName:  doc.Client.Name,
		Period:      doc.Period.String(),
		Metrics:     metricLines(doc),
		Dimensions:  doc.Dimensions,
		Anomalies:   doc.Anomalies,
		GeneratedAt: doc.GeneratedAt.UTC().Format(time.RFC3339),
	}
	if metric := chartMetric(doc.Metrics); metric != "" {
		png, err := TrendChart(series(metric, doc), h.chart)
		if err != nil {
			return "", fmt.Errorf("chart: %w", err)
		}
		v.Chart = template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png))
		v.ChartMetric = metric
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	key := fmt.Sprintf("reports/%s/%s/%s.html", doc.Client.ID, doc.Period.Start.Format(models.DateLayout), doc.JobID)
	return h.uploader.Upload(ctx, key, buf.Bytes(), "text/html; charset=utf-8")
}

func metricLines(doc Document) []metricLine {
	names := make([]string, 0, len(doc.Metrics))
	for name := range doc.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]metricLine, 0, len(names))
	for _, name := range names {
		line := metricLine{Name: name, Value: doc.Metrics[name]}
		if len(doc.History) > 0 {
			if prev, ok := doc.History[0][name]; ok {
				line.Previous = &prev
			}
		}
		out = append(out, line)
	}
	return out
}

// chartMetric prefers sessions, then the alphabetically first metric.
func chartMetric(metrics map[string]float64) string {
	if _, ok := metrics["sessions"]; ok {
		return "sessions"
	}
	best := ""
	for name := range metrics {
		if best == "" || name < best {
			best = name
		}
	}
	return best
}

// series returns metric values oldest first, ending with the current period.
func series(metric string, doc Document) []float64 {
	var out []float64
	for i := len(doc.History) - 1; i >= 0; i-- {
		if v, ok := doc.History[i][metric]; ok {
			out = append(out, v)
		}
	}
	return append(out, doc.Metrics[metric])
}

const defaultTemplate = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.ClientName}}</h1>
<p>Period: {{.Period}}</p>
<table>
<tr><th>Metric</th><th>Value</th><th>Previous</th></tr>
{{range .Metrics}}<tr><td>{{.Name}}</td><td>{{num .Value}}</td><td>{{if .Previous}}{{num .Previous}}{{else}}-{{end}}</td></tr>
{{end}}</table>
{{if .Chart}}<h2>{{.ChartMetric}} trend</h2><img alt="{{.ChartMetric}} trend" src="{{.Chart}}">{{end}}
{{if .Dimensions}}<h2>Breakdown</h2><table>
{{range .Dimensions}}<tr><td>{{.Dimension}}</td><td>{{.Key}}</td><td>{{.Metric}}</td><td>{{num .Value}}</td></tr>
{{end}}</table>{{end}}
{{if .Anomalies}}<h2>Anomalies</h2><ul>
{{range .Anomalies}}<li>{{.Metric}} [{{.Severity}}] {{num .DeltaPercent}}% (z={{num .ZScore}})</li>
{{end}}</ul>{{end}}
<footer>Generated {{.GeneratedAt}}</footer>
</body></html>
`
