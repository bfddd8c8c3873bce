package app

import (
	"context"
	"time"

	"report-scheduler/internal/connector"
	"report-scheduler/internal/models"
	"report-scheduler/internal/store/memstore"
)

// DemoClientID is seeded in memory mode.
const DemoClientID = "demo"

func seedDemo(db *memstore.Store, now time.Time) {
	db.PutTemplate(models.Template{ID: "default", Name: "Default report", IsDefault: true})
	db.PutClient(models.Client{ID: DemoClientID, Name: "Demo Client", Timezone: "UTC", CreatedAt: now})
	db.PutDataSource(models.DataSource{
		ID:       "demo-static",
		ClientID: DemoClientID,
		Kind:     connector.KindStatic,
		Name:     "Demo metrics",
		Config:   map[string]string{"metrics": "sessions=1200,conversions=48,revenue=3150.5"},
		Active:   true,
	})
	next := models.Date(now)
	_ = db.SaveSchedule(context.Background(), models.Schedule{
		ID:        "demo-daily",
		ClientID:  DemoClientID,
		CronKey:   "demo-daily",
		Frequency: models.FrequencyDaily,
		NextRunAt: &next,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	})
}
