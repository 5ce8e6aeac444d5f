package stall

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type Category string

const (
	CategoryGame         Category = "game"
	CategoryStageProgram Category = "stage_program"
	CategoryFood         Category = "food"
	CategoryOther        Category = "other"
)

// IDList maps a Postgres UUID[] column.
type IDList []uuid.UUID

func (l IDList) Value() (driver.Value, error) {
	strs := make(pq.StringArray, len(l))
	for i, id := range l {
		strs[i] = id.String()
	}
	return strs.Value()
}

func (l *IDList) Scan(src any) error {
	var strs pq.StringArray
	if err := strs.Scan(src); err != nil {
		return err
	}
	ids := make(IDList, 0, len(strs))
	for _, s := range strs {
		id, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("scan id list: %w", err)
		}
		ids = append(ids, id)
	}
	*l = ids
	return nil
}

func (l IDList) Contains(id uuid.UUID) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

type Stall struct {
	ID                  uuid.UUID `db:"id" json:"id"`
	Name                string    `db:"name" json:"name"`
	Description         string    `db:"description" json:"description"`
	Category            Category  `db:"category" json:"category"`
	TokenCost           int64     `db:"token_cost" json:"tokenCost"`
	MaxParticipants     *int      `db:"max_participants" json:"maxParticipants,omitempty"`
	CurrentParticipants int       `db:"current_participants" json:"currentParticipants"`
	IsActive            bool      `db:"is_active" json:"isActive"`
	IsOpen              bool      `db:"is_open" json:"isOpen"`
	QRCode              string    `db:"qr_code" json:"qrCode"`
	ShortCode           string    `db:"short_code" json:"shortCode"`
	AdminIDs            IDList    `db:"admin_ids" json:"adminIds"`
	CreatedBy           uuid.UUID `db:"created_by" json:"createdBy"`
	CreatedAt           time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time `db:"updated_at" json:"updatedAt"`
}

// Accepting reports whether the stall takes new participants.
func (s *Stall) Accepting() bool {
	return s.IsActive && s.IsOpen
}

func (s *Stall) HasRoom() bool {
	return s.MaxParticipants == nil || s.CurrentParticipants < *s.MaxParticipants
}

func (s *Stall) IsAdmin(userID uuid.UUID) bool {
	return s.AdminIDs.Contains(userID)
}

// newStallCode returns STALL_ followed by 16 hex characters.
func newStallCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "STALL_" + hex.EncodeToString(b), nil
}

// ParticipationStatus: pending → completed (award) | cancelled.
type ParticipationStatus string

const (
	ParticipationPending   ParticipationStatus = "pending"
	ParticipationCompleted ParticipationStatus = "completed"
	ParticipationCancelled ParticipationStatus = "cancelled"
)

func (s ParticipationStatus) CanTransitionTo(next ParticipationStatus) bool {
	return s == ParticipationPending && (next == ParticipationCompleted || next == ParticipationCancelled)
}

type Participation struct {
	ID                   uuid.UUID           `db:"id" json:"id"`
	StallID              uuid.UUID           `db:"stall_id" json:"stallId"`
	UserID               uuid.UUID           `db:"user_id" json:"userId"`
	TransactionID        *uuid.UUID          `db:"transaction_id" json:"transactionId,omitempty"`
	ParticipantName      string              `db:"participant_name" json:"participantName"`
	IsStageProgram       bool                `db:"is_stage_program" json:"isStageProgram"`
	Performance          string              `db:"performance" json:"performance,omitempty"`
	NumberOfParticipants int                 `db:"number_of_participants" json:"numberOfParticipants"`
	GroupMembers         IDList              `db:"group_members" json:"groupMembers"`
	TokensPaid           int64               `db:"tokens_paid" json:"tokensPaid"`
	PointsAwarded        int                 `db:"points_awarded" json:"pointsAwarded"`
	Status               ParticipationStatus `db:"status" json:"status"`
	Notes                string              `db:"notes" json:"notes,omitempty"`
	AwardedBy            *uuid.UUID          `db:"awarded_by" json:"awardedBy,omitempty"`
	PointsAwardedAt      *time.Time          `db:"points_awarded_at" json:"pointsAwardedAt,omitempty"`
	CreatedAt            time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt            time.Time           `db:"updated_at" json:"updatedAt"`
}

// Recipients are everyone credited when the participation is awarded.
func (p *Participation) Recipients() []uuid.UUID {
	out := []uuid.UUID{p.UserID}
	for _, id := range p.GroupMembers {
		if id != p.UserID && !IDList(out).Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// ParticipateRequest names the stall by exactly one of StallID, QRCode or ShortCode.
type ParticipateRequest struct {
	StallID              *uuid.UUID
	QRCode               string
	ShortCode            string
	IsStageProgram       bool
	ParticipantName      string
	NumberOfParticipants int
	GroupMembers         []uuid.UUID
	Performance          string
}

type CreateStallInput struct {
	Name            string
	Description     string
	Category        Category
	TokenCost       int64
	MaxParticipants *int
	AdminIDs        []uuid.UUID
}

// UpdateStallInput carries only the fields being changed.
type UpdateStallInput struct {
	IsOpen          *bool
	IsActive        *bool
	TokenCost       *int64
	MaxParticipants *int
}

type ListFilter struct {
	Category   Category
	ActiveOnly bool
}

// Summary is a stall with its participation counts.
type Summary struct {
	*Stall
	PendingParticipations   int `json:"pendingParticipations"`
	CompletedParticipations int `json:"completedParticipations"`
}

// Ledger is a stall's revenue view.
type Ledger struct {
	Stall               *Stall           `json:"stall"`
	TotalRevenue        int64            `json:"totalRevenue"`
	TotalParticipations int              `json:"totalParticipations"`
	Participations      []*Participation `json:"participations"`
}

// Actor is the caller of an administrative stall operation.
type Actor struct {
	UserID uuid.UUID
	Role   string
}
