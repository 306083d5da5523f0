package completions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRetention = 24 * time.Hour

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// StorageError wraps a completion log failure with a dotted operation code.
type StorageError struct {
	code string
	err  error
}

func (e *StorageError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StorageError) Unwrap() error {
	return e.err
}

func (e *StorageError) Code() string {
	return e.code
}

const (
	opLogNew    = "completions.log.new"
	opLogAppend = "completions.log.append"
	opLogQuery  = "completions.log.query"
)

func newStorageError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &StorageError{code: code, err: cause}
}

// LogConfig describes the dependencies required by the completion log.
type LogConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Retention  time.Duration
	Logger     *zap.Logger
}

// IDProvider issues identifiers for new completion records.
type IDProvider interface {
	NewID() (string, error)
}

// Log is the durable append-only store of completion records. Every
// append prunes the whole table to the retention window first, inside
// the same transaction, which bounds total storage growth.
type Log struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	retention  time.Duration
	logger     *zap.Logger
}

// NewLog constructs the completion log.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Database == nil {
		return nil, newStorageError(opLogNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newStorageError(opLogNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Log{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		retention:  retention,
		logger:     logger,
	}, nil
}

// Append records a completion for the key at the provided instant. The
// global prune and the insert run as one transaction so concurrent
// writers never observe a half-pruned log.
func (l *Log) Append(ctx context.Context, key Key, completedAt time.Time) (Record, error) {
	recordID, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opLogAppend, "id_generation_failed", err, key)
		return Record{}, newStorageError(opLogAppend, "id_generation_failed", err)
	}

	record := Record{
		RecordID:      recordID,
		TaskID:        key.TaskID.Int64(),
		UserID:        key.UserID.Int64(),
		CompletedAtMs: completedAt.UnixMilli(),
	}

	cutoff := l.clock().Add(-l.retention).UnixMilli()
	txErr := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("completed_at_ms < ?", cutoff).Delete(&Record{}).Error; err != nil {
			return newStorageError(opLogAppend, "prune_failed", err)
		}
		if err := tx.Create(&record).Error; err != nil {
			return newStorageError(opLogAppend, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		l.logError(opLogAppend, "transaction_failed", txErr, key)
		return Record{}, txErr
	}

	return record, nil
}

// Query returns every retained completion for the key, unordered. Reads
// fail open: a storage fault yields an empty result instead of an error
// so an outage never blocks task attempts.
func (l *Log) Query(ctx context.Context, key Key) []Record {
	var records []Record
	err := l.db.WithContext(ctx).
		Where("task_id = ? AND user_id = ?", key.TaskID.Int64(), key.UserID.Int64()).
		Find(&records).Error
	if err != nil {
		l.logError(opLogQuery, "query_failed", err, key)
		return nil
	}
	return records
}

func (l *Log) logError(operation, reason string, err error, key Key) {
	l.logger.Error("completion log error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Int64("task_id", key.TaskID.Int64()),
		zap.Int64("user_id", key.UserID.Int64()),
		zap.Error(err))
}
