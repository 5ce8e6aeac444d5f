package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Store persists point entries and ranks users by their sum.
type Store interface {
	// Add records entries, skipping any already recorded, and returns how
	// many were new.
	Add(ctx context.Context, entries ...Entry) (int, error)
	Top(ctx context.Context, limit int) ([]Standing, error)
}

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Add(ctx context.Context, entries ...Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	added := 0
	for _, e := range entries {
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO point_entries (id, user_id, stall_id, source, source_id, points, created_at)
			VALUES (:id, :user_id, :stall_id, :source, :source_id, :points, :created_at)
			ON CONFLICT (source, source_id, user_id) DO NOTHING
		`, e)
		if err != nil {
			return 0, fmt.Errorf("insert point entry: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return added, nil
}

func (s *PostgresStore) Top(ctx context.Context, limit int) ([]Standing, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	standings := []Standing{}
	err := s.db.SelectContext(ctx, &standings, `
		SELECT user_id, SUM(points) AS points
		FROM point_entries
		GROUP BY user_id
		ORDER BY points DESC, user_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select top: %w", err)
	}
	return rank(standings), nil
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu     sync.Mutex
	seen   map[string]bool
	totals map[uuid.UUID]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool), totals: make(map[uuid.UUID]int64)}
}

func (s *MemoryStore) Add(_ context.Context, entries ...Entry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, e := range entries {
		k := key(e)
		if s.seen[k] {
			continue
		}
		s.seen[k] = true
		s.totals[e.UserID] += e.Points
		added++
	}
	return added, nil
}

func (s *MemoryStore) Top(_ context.Context, limit int) ([]Standing, error) {
	s.mu.Lock()
	standings := make([]Standing, 0, len(s.totals))
	for userID, points := range s.totals {
		standings = append(standings, Standing{UserID: userID, Points: points})
	}
	s.mu.Unlock()

	sort.Slice(standings, func(i, j int) bool {
		if standings[i].Points != standings[j].Points {
			return standings[i].Points > standings[j].Points
		}
		return standings[i].UserID.String() < standings[j].UserID.String()
	})
	if limit > 0 && len(standings) > limit {
		standings = standings[:limit]
	}
	return rank(standings), nil
}
