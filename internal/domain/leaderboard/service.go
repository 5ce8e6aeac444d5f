package leaderboard

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vksha/carnival-api/internal/domain/realtime"
	"github.com/vksha/carnival-api/internal/pkg/logger"
)

const (
	DefaultLimit = 100
	MaxLimit     = 500

	// pushDepth is how many standings ride along with a leaderboard event.
	pushDepth = 10
)

type Service struct {
	store    Store
	notifier realtime.Notifier
}

func NewService(store Store, notifier realtime.Notifier) *Service {
	if notifier == nil {
		notifier = realtime.NopNotifier{}
	}
	return &Service{store: store, notifier: notifier}
}

// Record stores the entries and, if any were new, pushes the fresh top of
// the board to every connection.
func (s *Service) Record(ctx context.Context, entries ...Entry) error {
	now := time.Now()
	for i := range entries {
		if entries[i].ID == uuid.Nil {
			entries[i].ID = uuid.New()
		}
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}

	added, err := s.store.Add(ctx, entries...)
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}

	top, err := s.store.Top(ctx, pushDepth)
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Msg("Leaderboard refresh failed")
		return nil
	}
	s.notifier.ToAll(ctx, realtime.EventLeaderboard, top)
	return nil
}

// Top returns the highest totals. limit <= 0 means DefaultLimit.
func (s *Service) Top(ctx context.Context, limit int) ([]Standing, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return s.store.Top(ctx, limit)
}
