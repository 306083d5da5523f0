package users

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the remote profile did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for identity tracking.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service tracks which remote users have exchanged tokens with this
// service, persisting first/last seen times.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// RecordSeen upserts the identity row for the remote user id and bumps
// its last-seen time. Persistence failures after the first sighting are
// tolerated so a storage fault never blocks a token exchange.
func (s *Service) RecordSeen(userID int64) (Identity, error) {
	if userID <= 0 {
		return Identity{}, ErrInvalidIdentity
	}

	now := s.now()
	if _, ok := s.cache.Load(userID); ok {
		identity := Identity{UserID: userID, LastSeenAt: now}
		_ = s.db.Model(&Identity{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"last_seen_at":   now,
				"exchange_count": gorm.Expr("exchange_count + 1"),
			}).Error
		return identity, nil
	}

	var identity Identity
	err := s.db.Where("user_id = ?", userID).First(&identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{UserID: userID, FirstSeenAt: now, LastSeenAt: now, ExchangeCnt: 1}
		if err := s.db.Create(&identity).Error; err != nil {
			return Identity{}, err
		}
	} else if err != nil {
		return Identity{}, err
	} else {
		identity.LastSeenAt = now
		identity.ExchangeCnt++
		_ = s.db.Model(&Identity{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"last_seen_at":   now,
				"exchange_count": identity.ExchangeCnt,
			}).Error
	}

	s.cache.Store(userID, struct{}{})
	return identity, nil
}
