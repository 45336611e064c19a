package database

import (
	"time"

	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const startTimeKey = "metrics:start_time"

// RegisterMetricsHooks times every create, query, update and raw statement
// and reports it to the collector
func RegisterMetricsHooks(db *gorm.DB, collector *metrics.Metrics) error {
	cb := db.Callback()

	registrations := []struct {
		name string
		err  error
	}{
		{"duration:create", cb.Create().Before("gorm:create").Register("duration:create", markStart)},
		{"duration:query", cb.Query().Before("gorm:query").Register("duration:query", markStart)},
		{"duration:update", cb.Update().Before("gorm:update").Register("duration:update", markStart)},
		{"duration:raw", cb.Raw().Before("gorm:raw").Register("duration:raw", markStart)},
		{"metrics:create", cb.Create().After("gorm:create").Register("metrics:create", record(collector, metrics.DBQueryTypeInsert))},
		{"metrics:query", cb.Query().After("gorm:query").Register("metrics:query", record(collector, metrics.DBQueryTypeSelect))},
		{"metrics:update", cb.Update().After("gorm:update").Register("metrics:update", record(collector, metrics.DBQueryTypeUpdate))},
		{"metrics:raw", cb.Raw().After("gorm:raw").Register("metrics:raw", record(collector, metrics.DBQueryTypeRaw))},
	}

	for _, r := range registrations {
		if r.err != nil {
			return errors.Wrapf(r.err, "failed to register %s hook", r.name)
		}
	}
	return nil
}

func record(collector *metrics.Metrics, queryType string) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		success := tx.Error == nil || errors.Is(tx.Error, gorm.ErrRecordNotFound)
		collector.RecordDatabaseQuery(queryType, success, elapsed(tx))
	}
}

func markStart(tx *gorm.DB) {
	tx.InstanceSet(startTimeKey, time.Now())
}

func elapsed(tx *gorm.DB) time.Duration {
	if start, ok := tx.InstanceGet(startTimeKey); ok {
		return time.Since(start.(time.Time))
	}
	return 0
}
