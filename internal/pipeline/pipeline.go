package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"runningcoach-garmin-sync/internal/database"
	"runningcoach-garmin-sync/internal/derive"
	"runningcoach-garmin-sync/internal/garmin"
	"runningcoach-garmin-sync/internal/metrics"
	"runningcoach-garmin-sync/internal/normalize"
)

// Pipeline turns stored raw payloads into normalized rows and recomputes
// the derived metrics that depend on them
type Pipeline struct {
	db     *database.DB
	logger *slog.Logger
}

func New(db *database.DB) *Pipeline {
	return &Pipeline{db: db, logger: slog.Default()}
}

// ProcessPendingFiles normalizes a user's pending payload files and
// stores the results. Malformed payloads transition to error and are
// never retried: re-reading the same bytes cannot change the outcome.
// Returns how many files were processed successfully
func (p *Pipeline) ProcessPendingFiles(ctx context.Context, userID string, limit int) (int, error) {
	files, err := p.db.ListPendingActivityFiles(userID, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending files: %w", err)
	}

	processed := 0
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return processed, err
		}

		if err := p.processFile(file); err != nil {
			msg := err.Error()
			if markErr := p.db.MarkActivityFileProcessed(file.ID, &msg); markErr != nil {
				return processed, fmt.Errorf("failed to mark file error: %w", markErr)
			}
			p.logger.Warn("discarded malformed payload",
				"file_id", file.ID, "user_id", userID, "dataset", file.DatasetKey, "error", err)
			continue
		}

		if err := p.db.MarkActivityFileProcessed(file.ID, nil); err != nil {
			return processed, fmt.Errorf("failed to mark file processed: %w", err)
		}
		processed++
	}

	return processed, nil
}

// processFile stores the normalized form of one payload. A payload that
// normalizes to nothing (no stable id, no extractable signals) is still
// a success: it was understood and deliberately discarded
func (p *Pipeline) processFile(file *database.ActivityFile) error {
	var records []normalize.RawRecord
	if err := json.Unmarshal([]byte(file.Payload), &records); err != nil {
		// Some intake paths store a single object rather than an array
		var single normalize.RawRecord
		if err2 := json.Unmarshal([]byte(file.Payload), &single); err2 != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		records = []normalize.RawRecord{single}
	}

	if file.DatasetKey == garmin.DatasetActivities {
		for _, raw := range records {
			activity := normalize.NormalizeActivity(raw, file.UserID)
			if activity == nil {
				continue
			}
			if err := p.db.UpsertActivity(activity); err != nil {
				return err
			}
		}
		return nil
	}

	for _, signal := range normalize.ExtractDailySignals(file.DatasetKey, file.UserID, records) {
		if err := p.db.MergeDailySignal(signal); err != nil {
			return err
		}
	}
	return nil
}

// StoreDataset persists freshly fetched records the same way processFile
// does, without the file indirection. Used by the inline sync path
func (p *Pipeline) StoreDataset(userID, datasetKey string, records []map[string]any) error {
	raws := make([]normalize.RawRecord, len(records))
	for i, r := range records {
		raws[i] = normalize.RawRecord(r)
	}

	if datasetKey == garmin.DatasetActivities {
		for _, raw := range raws {
			activity := normalize.NormalizeActivity(raw, userID)
			if activity == nil {
				continue
			}
			if err := p.db.UpsertActivity(activity); err != nil {
				return err
			}
		}
		return nil
	}

	for _, signal := range normalize.ExtractDailySignals(datasetKey, userID, raws) {
		if err := p.db.MergeDailySignal(signal); err != nil {
			return err
		}
	}
	return nil
}

// Recompute derives ACWR and readiness for a user as of endDate and
// caches both results
func (p *Pipeline) Recompute(ctx context.Context, userID string, endDate time.Time) error {
	windowStart := endDate.AddDate(0, 0, -28)

	activities, err := p.db.ListActivitiesInWindow(userID, windowStart.Unix(), endDate.Unix())
	if err != nil {
		return fmt.Errorf("failed to load activities: %w", err)
	}

	acwr := derive.ComputeACWR(activities, endDate)
	if err := p.putMetric(userID, database.MetricKeyACWR, acwr); err != nil {
		return err
	}
	metrics.DeriveComputationsTotal.WithLabelValues(database.MetricKeyACWR, string(acwr.Evidence.Confidence)).Inc()

	signals, err := p.db.ListDailySignalsInWindow(userID,
		windowStart.Format("2006-01-02"), endDate.UTC().Format("2006-01-02"))
	if err != nil {
		return fmt.Errorf("failed to load daily signals: %w", err)
	}

	readiness := derive.ComputeReadiness(signals, endDate)
	if err := p.putMetric(userID, database.MetricKeyReadiness, readiness); err != nil {
		return err
	}
	metrics.DeriveComputationsTotal.WithLabelValues(database.MetricKeyReadiness, string(readiness.Evidence.Confidence)).Inc()

	p.logger.Info("recomputed derived metrics",
		"user_id", userID,
		"readiness_score", readiness.Score,
		"acwr_confidence", acwr.Evidence.Confidence)

	return nil
}

func (p *Pipeline) putMetric(userID, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s result: %w", key, err)
	}
	if err := p.db.PutDerivedMetric(userID, key, string(payload)); err != nil {
		return fmt.Errorf("failed to cache %s result: %w", key, err)
	}
	return nil
}
