package completions

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTaskID indicates that a task identifier is not a positive integer.
	ErrInvalidTaskID = errors.New("completions: invalid task id")
	// ErrInvalidUserID indicates that a user identifier is not a positive integer.
	ErrInvalidUserID = errors.New("completions: invalid user id")
)

// TaskID represents a validated task identifier.
type TaskID int64

// NewTaskID validates raw input and returns a TaskID.
func NewTaskID(value int64) (TaskID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTaskID, value)
	}
	return TaskID(value), nil
}

// Int64 exposes the raw identifier value.
func (id TaskID) Int64() int64 {
	return int64(id)
}

// UserID represents a validated user identifier.
type UserID int64

// NewUserID validates raw input and returns a UserID.
func NewUserID(value int64) (UserID, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidUserID, value)
	}
	return UserID(value), nil
}

// Int64 exposes the raw identifier value.
func (id UserID) Int64() int64 {
	return int64(id)
}

// Key identifies the (task, user) pair all throttling state is scoped to.
type Key struct {
	TaskID TaskID
	UserID UserID
}

// NewKey validates both identifiers and returns the composite key.
func NewKey(taskID, userID int64) (Key, error) {
	task, err := NewTaskID(taskID)
	if err != nil {
		return Key{}, err
	}
	user, err := NewUserID(userID)
	if err != nil {
		return Key{}, err
	}
	return Key{TaskID: task, UserID: user}, nil
}

// Record models one persisted task completion. Rows are immutable once
// written; only the age-based prune removes them.
type Record struct {
	RecordID      string `gorm:"column:record_id;primaryKey;size:190;not null"`
	TaskID        int64  `gorm:"column:task_id;not null;index:idx_completions_task_user,priority:1"`
	UserID        int64  `gorm:"column:user_id;not null;index:idx_completions_task_user,priority:2"`
	CompletedAtMs int64  `gorm:"column:completed_at_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "task_completions"
}
