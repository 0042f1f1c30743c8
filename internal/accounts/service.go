// Package accounts keeps one profile row per authenticated user, created on
// first login and refreshed from the identity assertion afterwards.
package accounts

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/promptloom/backend/internal/auth"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("accounts: invalid identity")

// ServiceConfig describes the dependencies required for profile bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages account profiles.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// RecordLogin creates the profile on first login and refreshes the contact
// fields plus login counters on every subsequent one.
func (s *Service) RecordLogin(claims auth.IdentityClaims) (Profile, error) {
	userID := normalize(claims.UserID)
	if userID == "" {
		userID = normalize(claims.Subject)
	}
	if userID == "" {
		return Profile{}, ErrInvalidIdentity
	}

	now := s.now().UTC()

	var profile Profile
	err := s.db.
		Where("user_id = ?", userID).
		First(&profile).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			UserID:      userID,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			LoginCount:  1,
			LastSeenAt:  now,
		}
		if err := s.db.Create(&profile).Error; err != nil {
			return Profile{}, err
		}
		s.cache.Store(userID, profile.UserID)
		return profile, nil
	}
	if err != nil {
		return Profile{}, err
	}

	updates := map[string]interface{}{
		"login_count":  gorm.Expr("login_count + 1"),
		"last_seen_at": now,
	}
	if email := normalize(claims.UserEmail); email != "" && email != profile.Email {
		updates["email"] = email
		profile.Email = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != profile.DisplayName {
		updates["display_name"] = display
		profile.DisplayName = display
	}
	err = s.db.Model(&Profile{}).
		Where("user_id = ?", userID).
		Updates(updates).
		Error
	if err != nil {
		return Profile{}, err
	}
	profile.LoginCount++
	profile.LastSeenAt = now

	s.cache.Store(userID, profile.UserID)
	return profile, nil
}

// Known reports whether the user has logged in before, consulting the
// in-process cache first.
func (s *Service) Known(userID string) (bool, error) {
	if _, ok := s.cache.Load(userID); ok {
		return true, nil
	}
	var count int64
	err := s.db.Model(&Profile{}).Where("user_id = ?", userID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
