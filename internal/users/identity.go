package users

import "time"

// Identity records a remote task-API user that has exchanged a token
// with this service.
type Identity struct {
	UserID      int64     `gorm:"column:user_id;primaryKey;not null"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;autoCreateTime"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
	ExchangeCnt int64     `gorm:"column:exchange_count;not null;default:0"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}
