package completions

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const opRecord = "completions.recorder.record"

var (
	errMissingLog         = errors.New("completion log is required")
	errMissingInvalidator = errors.New("stats invalidator is required")
)

// StatsInvalidator lets the recorder force observers to re-derive stats
// without waiting out the staleness window.
type StatsInvalidator interface {
	Invalidate(key Key)
}

// RecorderConfig describes the dependencies required by the recorder.
type RecorderConfig struct {
	Log         *Log
	Invalidator StatsInvalidator
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Recorder persists a completion after the remote API has confirmed it
// and invalidates the cached stats for the key. It must never be called
// speculatively: a record exists iff the server accepted the submission.
type Recorder struct {
	log         *Log
	invalidator StatsInvalidator
	clock       func() time.Time
	logger      *zap.Logger
}

// NewRecorder constructs the recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Log == nil {
		return nil, newStorageError(opRecord, "missing_log", errMissingLog)
	}
	if cfg.Invalidator == nil {
		return nil, newStorageError(opRecord, "missing_invalidator", errMissingInvalidator)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Recorder{
		log:         cfg.Log,
		invalidator: cfg.Invalidator,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Record appends a completion for the key and invalidates its cached
// stats so the next evaluation sees the new count immediately.
func (r *Recorder) Record(ctx context.Context, key Key) (Record, error) {
	record, err := r.log.Append(ctx, key, r.clock())
	if err != nil {
		return Record{}, err
	}

	r.invalidator.Invalidate(key)
	r.logger.Debug("completion recorded",
		zap.Int64("task_id", key.TaskID.Int64()),
		zap.Int64("user_id", key.UserID.Int64()),
		zap.String("record_id", record.RecordID))
	return record, nil
}
