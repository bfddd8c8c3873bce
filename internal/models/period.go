package models

import "time"

// DateLayout is the wire format of period bounds.
const DateLayout = "2006-01-02"

// Period is an inclusive range of calendar dates. Both bounds are midnight UTC
// of the date they name, whatever timezone the period was computed in.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewPeriod truncates start and end to their calendar dates.
func NewPeriod(start, end time.Time) Period {
	return Period{Start: Date(start), End: Date(end)}
}

// Date keeps the calendar date of t as midnight UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (p Period) Valid() bool { return !p.End.Before(p.Start) }

// Days counts calendar days in the range, both bounds included.
func (p Period) Days() int {
	return int(p.End.Sub(p.Start).Hours()/24) + 1
}

func (p Period) String() string {
	if p.Start.Equal(p.End) {
		return p.Start.Format(DateLayout)
	}
	return p.Start.Format(DateLayout) + ".." + p.End.Format(DateLayout)
}

// MarshalJSON writes bounds as plain dates.
func (p Period) MarshalJSON() ([]byte, error) {
	return []byte(`{"start":"` + p.Start.Format(DateLayout) + `","end":"` + p.End.Format(DateLayout) + `"}`), nil
}

// Period returns the job's date range.
func (j ReportJob) Period() Period {
	return Period{Start: j.PeriodStart, End: j.PeriodEnd}
}
