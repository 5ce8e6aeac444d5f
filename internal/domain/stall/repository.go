package stall

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

type Repository interface {
	Create(ctx context.Context, s *Stall) error
	Get(ctx context.Context, id uuid.UUID) (*Stall, error)
	List(ctx context.Context, filter ListFilter) ([]*Stall, error)
	ListByAdmin(ctx context.Context, userID uuid.UUID) ([]*Stall, error)
	FindIDByCode(ctx context.Context, code string) (uuid.UUID, error)
	FindIDByShortCode(ctx context.Context, shortCode string) (uuid.UUID, error)
	Update(ctx context.Context, id uuid.UUID, in UpdateStallInput) (*Stall, error)

	// Reserve takes one slot if the stall is accepting and has room.
	Reserve(ctx context.Context, id uuid.UUID) (*Stall, error)
	// Release gives a reserved slot back.
	Release(ctx context.Context, id uuid.UUID) error

	CreateParticipation(ctx context.Context, p *Participation) error
	GetParticipation(ctx context.Context, id uuid.UUID) (*Participation, error)
	ListParticipations(ctx context.Context, stallID uuid.UUID) ([]*Participation, error)
	CountParticipations(ctx context.Context, stallID uuid.UUID) (pending, completed int, err error)
	// Award completes a pending participation; ErrAlreadyAwarded or
	// ErrParticipationCancelled otherwise.
	Award(ctx context.Context, id uuid.UUID, points int, notes string, awardedBy uuid.UUID, at time.Time) (*Participation, error)
	Cancel(ctx context.Context, id uuid.UUID, at time.Time) (*Participation, error)
}

const (
	stallColumns = `id, name, description, category, token_cost, max_participants,
		current_participants, is_active, is_open, qr_code, short_code, admin_ids,
		created_by, created_at, updated_at`
	participationColumns = `id, stall_id, user_id, transaction_id, participant_name,
		is_stage_program, performance, number_of_participants, group_members, tokens_paid,
		points_awarded, status, notes, awarded_by, points_awarded_at, created_at, updated_at`
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s *Stall) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO stalls (`+stallColumns+`)
		VALUES (:id, :name, :description, :category, :token_cost, :max_participants,
		        :current_participants, :is_active, :is_open, :qr_code, :short_code, :admin_ids,
		        :created_by, :created_at, :updated_at)
	`, s)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrCodeCollision
		}
		return fmt.Errorf("insert stall: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Stall, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var s Stall
	err := r.db.GetContext(ctx, &s, `SELECT `+stallColumns+` FROM stalls WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStallNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]*Stall, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active")
	}
	query := `SELECT ` + stallColumns + ` FROM stalls`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY name`

	stalls := []*Stall{}
	if err := r.db.SelectContext(ctx, &stalls, query, args...); err != nil {
		return nil, fmt.Errorf("list stalls: %w", err)
	}
	return stalls, nil
}

func (r *PostgresRepository) ListByAdmin(ctx context.Context, userID uuid.UUID) ([]*Stall, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	stalls := []*Stall{}
	err := r.db.SelectContext(ctx, &stalls, `SELECT `+stallColumns+` FROM stalls WHERE $1 = ANY(admin_ids) ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list admin stalls: %w", err)
	}
	return stalls, nil
}

func (r *PostgresRepository) findID(ctx context.Context, column, value string) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var id uuid.UUID
	err := r.db.GetContext(ctx, &id, `SELECT id FROM stalls WHERE `+column+` = $1`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, nil
	}
	return id, err
}

func (r *PostgresRepository) FindIDByCode(ctx context.Context, code string) (uuid.UUID, error) {
	return r.findID(ctx, "qr_code", code)
}

func (r *PostgresRepository) FindIDByShortCode(ctx context.Context, shortCode string) (uuid.UUID, error) {
	return r.findID(ctx, "short_code", shortCode)
}

func (r *PostgresRepository) Update(ctx context.Context, id uuid.UUID, in UpdateStallInput) (*Stall, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var s Stall
	err := r.db.GetContext(ctx, &s, `
		UPDATE stalls SET
			is_open          = COALESCE($2, is_open),
			is_active        = COALESCE($3, is_active),
			token_cost       = COALESCE($4, token_cost),
			max_participants = COALESCE($5, max_participants),
			updated_at       = NOW()
		WHERE id = $1 AND ($5::int IS NULL OR $5::int >= current_participants)
		RETURNING `+stallColumns, id, in.IsOpen, in.IsActive, in.TokenCost, in.MaxParticipants)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := r.Get(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrCapacityBelowCurrent
	}
	if err != nil {
		return nil, fmt.Errorf("update stall: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) Reserve(ctx context.Context, id uuid.UUID) (*Stall, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var s Stall
	err := r.db.GetContext(ctx, &s, `
		UPDATE stalls
		SET current_participants = current_participants + 1, updated_at = NOW()
		WHERE id = $1 AND is_active AND is_open
		  AND (max_participants IS NULL OR current_participants < max_participants)
		RETURNING `+stallColumns, id)
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reserve slot: %w", err)
	}

	current, gerr := r.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if !current.Accepting() {
		return nil, ErrStallClosed
	}
	return nil, ErrCapacityExceeded
}

func (r *PostgresRepository) Release(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE stalls
		SET current_participants = GREATEST(current_participants - 1, 0), updated_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreateParticipation(ctx context.Context, p *Participation) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO stall_participations (`+participationColumns+`)
		VALUES (:id, :stall_id, :user_id, :transaction_id, :participant_name,
		        :is_stage_program, :performance, :number_of_participants, :group_members, :tokens_paid,
		        :points_awarded, :status, :notes, :awarded_by, :points_awarded_at, :created_at, :updated_at)
	`, p)
	if err != nil {
		return fmt.Errorf("insert participation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetParticipation(ctx context.Context, id uuid.UUID) (*Participation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Participation
	err := r.db.GetContext(ctx, &p, `SELECT `+participationColumns+` FROM stall_participations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrParticipationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) ListParticipations(ctx context.Context, stallID uuid.UUID) ([]*Participation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ps := []*Participation{}
	err := r.db.SelectContext(ctx, &ps, `
		SELECT `+participationColumns+` FROM stall_participations
		WHERE stall_id = $1 ORDER BY created_at DESC
	`, stallID)
	if err != nil {
		return nil, fmt.Errorf("list participations: %w", err)
	}
	return ps, nil
}

func (r *PostgresRepository) CountParticipations(ctx context.Context, stallID uuid.UUID) (int, int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var counts struct {
		Pending   int `db:"pending"`
		Completed int `db:"completed"`
	}
	err := r.db.GetContext(ctx, &counts, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending')   AS pending,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed
		FROM stall_participations WHERE stall_id = $1
	`, stallID)
	if err != nil {
		return 0, 0, fmt.Errorf("count participations: %w", err)
	}
	return counts.Pending, counts.Completed, nil
}

// settle moves a pending participation with one conditional write. When
// the row is not pending it is returned alongside errNotPending.
func (r *PostgresRepository) settle(ctx context.Context, id uuid.UUID, query string, args ...any) (*Participation, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Participation
	err := r.db.GetContext(ctx, &p, query, append([]any{id}, args...)...)
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := r.GetParticipation(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return current, errNotPending
	}
	if err != nil {
		return nil, fmt.Errorf("update participation: %w", err)
	}
	return &p, nil
}

func (r *PostgresRepository) Award(ctx context.Context, id uuid.UUID, points int, notes string, awardedBy uuid.UUID, at time.Time) (*Participation, error) {
	p, err := r.settle(ctx, id, `
		UPDATE stall_participations
		SET points_awarded = $2, status = 'completed', notes = $3, awarded_by = $4,
		    points_awarded_at = $5, updated_at = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+participationColumns, points, notes, awardedBy, at)
	if errors.Is(err, errNotPending) {
		return nil, awardConflict(p.Status)
	}
	return p, err
}

func (r *PostgresRepository) Cancel(ctx context.Context, id uuid.UUID, at time.Time) (*Participation, error) {
	p, err := r.settle(ctx, id, `
		UPDATE stall_participations
		SET status = 'cancelled', updated_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+participationColumns, at)
	if errors.Is(err, errNotPending) {
		return nil, ErrNotCancellable
	}
	return p, err
}

var errNotPending = errors.New("participation is not pending")

func awardConflict(status ParticipationStatus) error {
	if err := awardable(status); err != nil {
		return err
	}
	return ErrAlreadyAwarded
}
