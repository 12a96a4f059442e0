package authors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
)

// ErrInvalidIdentity indicates the claims did not carry an author id.
var ErrInvalidIdentity = errors.New("authors: invalid identity")

// ServiceConfig describes the dependencies of the author directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service keeps author display names so commit listings can show who wrote them.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the author directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("authors: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Remember records the author presented by claims. A blank display name keeps the stored one.
func (s *Service) Remember(ctx context.Context, claims auth.AuthorClaims) error {
	authorID := normalize(claims.Subject)
	if authorID == "" {
		return ErrInvalidIdentity
	}
	displayName := normalize(claims.DisplayName)

	if cached, ok := s.cache.Load(authorID); ok {
		if name, ok := cached.(string); ok && (displayName == "" || displayName == name) {
			return nil
		}
	}

	var profile Profile
	err := s.db.WithContext(ctx).Where("author_id = ?", authorID).First(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			AuthorID:    authorID,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&profile).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if displayName != "" && displayName != profile.DisplayName {
			updates["display_name"] = displayName
			profile.DisplayName = displayName
		}
		if err := s.db.WithContext(ctx).Model(&Profile{}).Where("author_id = ?", authorID).Updates(updates).Error; err != nil {
			return err
		}
	}

	s.cache.Store(authorID, profile.DisplayName)
	return nil
}

// DisplayNames resolves display names for the given author ids. Unknown or unnamed authors are omitted.
func (s *Service) DisplayNames(ctx context.Context, authorIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(authorIDs))
	missing := make([]string, 0, len(authorIDs))
	for _, authorID := range authorIDs {
		if _, seen := names[authorID]; seen {
			continue
		}
		if cached, ok := s.cache.Load(authorID); ok {
			if name, ok := cached.(string); ok && name != "" {
				names[authorID] = name
				continue
			}
		}
		missing = append(missing, authorID)
	}
	if len(missing) == 0 {
		return names, nil
	}

	var profiles []Profile
	if err := s.db.WithContext(ctx).Where("author_id IN ?", missing).Find(&profiles).Error; err != nil {
		s.logger.Error("author lookup failed", zap.Int("author_count", len(missing)), zap.Error(err))
		return nil, err
	}
	for _, profile := range profiles {
		s.cache.Store(profile.AuthorID, profile.DisplayName)
		if profile.DisplayName != "" {
			names[profile.AuthorID] = profile.DisplayName
		}
	}
	return names, nil
}
