package datafile

import (
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
)

// ReportingInterval is the length of one bucket in minutes.
type ReportingInterval int

// ParseReportingInterval validates minutes: 10, or a multiple of 60 up to
// 1440.
func ParseReportingInterval(minutes int) (ReportingInterval, error) {
	if !config.ValidReportingInterval(minutes) {
		return 0, daqerr.Configf("reporting interval must be 10 or a multiple of 60 not larger than 1440 minutes, got %d", minutes)
	}
	return ReportingInterval(minutes), nil
}

func (ri ReportingInterval) Duration() time.Duration { return time.Duration(ri) * time.Minute }

// Layout is the strftime layout of the bucket timestamp in file names.
func (ri ReportingInterval) Layout() string {
	switch {
	case ri == 10:
		return "%Y%m%d%H%M"
	case ri >= 1440:
		return "%Y%m%d"
	default:
		return "%Y%m%d%H"
	}
}

// Floor returns the start of the bucket containing t. Buckets are counted
// from local midnight.
func (ri ReportingInterval) Floor(t time.Time) time.Time {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	return midnight.Add(t.Sub(midnight) / ri.Duration() * ri.Duration())
}

// Bucket formats the bucket timestamp for t.
func (ri ReportingInterval) Bucket(t time.Time) string {
	return strftime.Format(ri.Layout(), ri.Floor(t))
}

// subdir returns the nested directory for t: YYYY/MM for daily files,
// YYYY/MM/DD for anything shorter.
func (ri ReportingInterval) subdir(t time.Time) string {
	if ri >= 1440 {
		return strftime.Format("%Y/%m", t)
	}
	return strftime.Format("%Y/%m/%d", t)
}
