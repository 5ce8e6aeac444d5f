package stall

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"expvar"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vksha/carnival-api/internal/domain/identity"
	"github.com/vksha/carnival-api/internal/domain/leaderboard"
	"github.com/vksha/carnival-api/internal/domain/realtime"
	"github.com/vksha/carnival-api/internal/domain/token"
	"github.com/vksha/carnival-api/internal/pkg/logger"
)

const (
	shortCodeLength   = 6
	createAttempts    = 3
	summaryFanout     = 8
	statementMimeType = "text/csv"
	statementKeyTries = 10
)

var (
	participationsTotal    = expvar.NewInt("stall_participations_total")
	capacityRejectedTotal  = expvar.NewInt("stall_capacity_rejected_total")
	awardsTotal            = expvar.NewInt("stall_awards_total")
	participationRollbacks = expvar.NewInt("stall_participation_rollbacks_total")
)

// Payments is the slice of the token ledger a stall charges through.
type Payments interface {
	Charge(ctx context.Context, userID uuid.UUID, tokens int64, stallID uuid.UUID, description string) (*token.Transaction, error)
	Refund(ctx context.Context, paymentID uuid.UUID, reason string, initiatorID *uuid.UUID) (*token.Transaction, error)
}

type PointsRecorder interface {
	Record(ctx context.Context, entries ...leaderboard.Entry) error
}

// StatementStore receives exported statements.
type StatementStore interface {
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetURL(key string) string
}

type Service struct {
	repo       Repository
	resolver   *identity.Resolver
	payments   Payments
	points     PointsRecorder
	notifier   realtime.Notifier
	statements StatementStore
	now        func() time.Time
}

// NewService wires the stall workflow. statements may be nil, which
// disables statement export.
func NewService(repo Repository, payments Payments, points PointsRecorder, notifier realtime.Notifier, statements StatementStore) *Service {
	if notifier == nil {
		notifier = realtime.NopNotifier{}
	}
	return &Service{
		repo:       repo,
		resolver:   identity.NewResolver(repo),
		payments:   payments,
		points:     points,
		notifier:   notifier,
		statements: statements,
		now:        time.Now,
	}
}

func (s *Service) Create(ctx context.Context, creatorID uuid.UUID, in CreateStallInput) (*Stall, error) {
	if in.TokenCost < 0 {
		return nil, ErrInvalidTokenCost
	}
	admins := IDList{creatorID}
	for _, id := range in.AdminIDs {
		if id != uuid.Nil && !admins.Contains(id) {
			admins = append(admins, id)
		}
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		qr, err := newStallCode()
		if err != nil {
			return nil, fmt.Errorf("generate stall code: %w", err)
		}
		short, err := identity.GenerateShortCode(shortCodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate short code: %w", err)
		}
		now := s.now()
		st := &Stall{
			ID:              uuid.New(),
			Name:            strings.TrimSpace(in.Name),
			Description:     in.Description,
			Category:        in.Category,
			TokenCost:       in.TokenCost,
			MaxParticipants: in.MaxParticipants,
			IsActive:        true,
			IsOpen:          true,
			QRCode:          qr,
			ShortCode:       short,
			AdminIDs:        admins,
			CreatedBy:       creatorID,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		err = s.repo.Create(ctx, st)
		if errors.Is(err, ErrCodeCollision) {
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.FromContext(ctx).Info().
			Str("stall_id", st.ID.String()).
			Str("short_code", st.ShortCode).
			Msg("Stall created")
		return st, nil
	}
	return nil, ErrCodeCollision
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Stall, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Stall, error) {
	return s.repo.List(ctx, filter)
}

// Lookup resolves a full QR code or a short code to its stall.
func (s *Service) Lookup(ctx context.Context, code string) (*Stall, error) {
	id, err := s.resolver.Resolve(ctx, code)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrStallNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) requireAdmin(ctx context.Context, stallID uuid.UUID, actor Actor) (*Stall, error) {
	st, err := s.repo.Get(ctx, stallID)
	if err != nil {
		return nil, err
	}
	if actor.Role != "admin" && !st.IsAdmin(actor.UserID) {
		return nil, ErrUnauthorized
	}
	return st, nil
}

func (s *Service) Update(ctx context.Context, stallID uuid.UUID, actor Actor, in UpdateStallInput) (*Stall, error) {
	if _, err := s.requireAdmin(ctx, stallID, actor); err != nil {
		return nil, err
	}
	if in.TokenCost != nil && *in.TokenCost < 0 {
		return nil, ErrInvalidTokenCost
	}
	st, err := s.repo.Update(ctx, stallID, in)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info().
		Str("stall_id", st.ID.String()).
		Bool("is_open", st.IsOpen).
		Bool("is_active", st.IsActive).
		Msg("Stall updated")
	s.pushStats(ctx, st)
	return st, nil
}

func (s *Service) resolveTarget(ctx context.Context, req ParticipateRequest) (*Stall, error) {
	if req.StallID != nil {
		return s.repo.Get(ctx, *req.StallID)
	}
	code := req.QRCode
	if code == "" {
		code = req.ShortCode
	}
	return s.Lookup(ctx, code)
}

// validateGroup checks a stage-program group registration: the registrant
// plus the distinct listed members must add up to the declared head count.
func validateGroup(userID uuid.UUID, req *ParticipateRequest) error {
	if req.NumberOfParticipants <= 0 {
		req.NumberOfParticipants = 1
	}
	if !req.IsStageProgram {
		req.NumberOfParticipants = 1
		req.GroupMembers = nil
		return nil
	}
	if strings.TrimSpace(req.ParticipantName) == "" {
		return ErrParticipantNameRequired
	}
	seen := make(map[uuid.UUID]struct{}, len(req.GroupMembers))
	for _, id := range req.GroupMembers {
		if id == uuid.Nil || id == userID {
			return ErrParticipantCountMismatch
		}
		if _, dup := seen[id]; dup {
			return ErrParticipantCountMismatch
		}
		seen[id] = struct{}{}
	}
	if len(req.GroupMembers)+1 != req.NumberOfParticipants {
		return ErrParticipantCountMismatch
	}
	return nil
}

// Participate registers userID at a stall: reserve a slot, charge the
// entry cost, record the participation. A failure at any step undoes the
// earlier ones.
func (s *Service) Participate(ctx context.Context, userID uuid.UUID, req ParticipateRequest) (*Participation, error) {
	st, err := s.resolveTarget(ctx, req)
	if err != nil {
		return nil, err
	}
	if !st.Accepting() {
		return nil, ErrStallClosed
	}
	if st.Category == CategoryStageProgram {
		req.IsStageProgram = true
	}
	if err := validateGroup(userID, &req); err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx).With().
		Str("stall_id", st.ID.String()).
		Str("user_id", userID.String()).
		Logger()

	reserved, err := s.repo.Reserve(ctx, st.ID)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			capacityRejectedTotal.Add(1)
		}
		return nil, err
	}

	var payment *token.Transaction
	if reserved.TokenCost > 0 {
		payment, err = s.payments.Charge(ctx, userID, reserved.TokenCost, reserved.ID, "Participation: "+reserved.Name)
		if err != nil {
			participationRollbacks.Add(1)
			s.release(ctx, reserved.ID)
			return nil, err
		}
	}

	now := s.now()
	p := &Participation{
		ID:                   uuid.New(),
		StallID:              reserved.ID,
		UserID:               userID,
		ParticipantName:      req.ParticipantName,
		IsStageProgram:       req.IsStageProgram,
		Performance:          req.Performance,
		NumberOfParticipants: req.NumberOfParticipants,
		GroupMembers:         IDList(req.GroupMembers),
		TokensPaid:           reserved.TokenCost,
		Status:               ParticipationPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if p.GroupMembers == nil {
		p.GroupMembers = IDList{}
	}
	if payment != nil {
		p.TransactionID = &payment.ID
	}

	if err := s.repo.CreateParticipation(ctx, p); err != nil {
		participationRollbacks.Add(1)
		if payment != nil {
			if _, rerr := s.payments.Refund(ctx, payment.ID, "participation could not be recorded", nil); rerr != nil {
				log.Error().Err(rerr).Str("transaction_id", payment.ID.String()).Msg("Failed to refund participation charge")
			}
		}
		s.release(ctx, reserved.ID)
		return nil, err
	}
	participationsTotal.Add(1)

	log.Info().
		Str("participation_id", p.ID.String()).
		Int64("tokens", p.TokensPaid).
		Int("current_participants", reserved.CurrentParticipants).
		Msg("Participation recorded")

	s.pushStats(ctx, reserved)
	return p, nil
}

func (s *Service) release(ctx context.Context, stallID uuid.UUID) {
	if err := s.repo.Release(ctx, stallID); err != nil {
		logger.FromContext(ctx).Error().Err(err).Str("stall_id", stallID.String()).Msg("Failed to release stall slot")
	}
}

// Award settles a pending participation with points. Only the stall's own
// admins may award.
func (s *Service) Award(ctx context.Context, participationID uuid.UUID, points int, notes string, awardedBy uuid.UUID) (*Participation, error) {
	p, err := s.repo.GetParticipation(ctx, participationID)
	if err != nil {
		return nil, err
	}
	st, err := s.repo.Get(ctx, p.StallID)
	if err != nil {
		return nil, err
	}
	if !st.IsAdmin(awardedBy) {
		return nil, ErrUnauthorized
	}
	if err := awardable(p.Status); err != nil {
		return nil, err
	}
	if points <= 0 {
		return nil, ErrInvalidPoints
	}

	done, err := s.repo.Award(ctx, participationID, points, notes, awardedBy, s.now())
	if err != nil {
		return nil, err
	}
	awardsTotal.Add(1)

	logger.FromContext(ctx).Info().
		Str("participation_id", done.ID.String()).
		Str("awarded_by", awardedBy.String()).
		Int("points", points).
		Msg("Points awarded")

	if s.points != nil {
		stallID := done.StallID
		recipients := done.Recipients()
		entries := make([]leaderboard.Entry, 0, len(recipients))
		for _, userID := range recipients {
			entries = append(entries, leaderboard.Entry{
				UserID:   userID,
				StallID:  &stallID,
				Source:   leaderboard.SourceAward,
				SourceID: done.ID,
				Points:   int64(points),
			})
		}
		if err := s.points.Record(ctx, entries...); err != nil {
			logger.FromContext(ctx).Error().Err(err).Str("participation_id", done.ID.String()).Msg("Failed to record awarded points")
		}
	}

	s.pushStats(ctx, st)
	return done, nil
}

// awardable reports why a participation in status cannot take points.
func awardable(status ParticipationStatus) error {
	switch status {
	case ParticipationPending:
		return nil
	case ParticipationCancelled:
		return ErrParticipationCancelled
	default:
		return ErrAlreadyAwarded
	}
}

// Cancel withdraws a pending participation, giving back the slot and the
// entry cost.
func (s *Service) Cancel(ctx context.Context, participationID uuid.UUID, actor Actor) (*Participation, error) {
	p, err := s.repo.GetParticipation(ctx, participationID)
	if err != nil {
		return nil, err
	}
	st, err := s.requireAdmin(ctx, p.StallID, actor)
	if err != nil {
		return nil, err
	}

	done, err := s.repo.Cancel(ctx, participationID, s.now())
	if err != nil {
		return nil, err
	}
	s.release(ctx, st.ID)
	if done.TransactionID != nil {
		if _, err := s.payments.Refund(ctx, *done.TransactionID, "participation cancelled", &actor.UserID); err != nil && !errors.Is(err, token.ErrAlreadyRefunded) {
			return nil, err
		}
	}

	logger.FromContext(ctx).Info().
		Str("participation_id", done.ID.String()).
		Str("cancelled_by", actor.UserID.String()).
		Msg("Participation cancelled")

	s.pushStats(ctx, st)
	return done, nil
}

// MyStalls lists the stalls userID administers with their counts.
func (s *Service) MyStalls(ctx context.Context, userID uuid.UUID) ([]Summary, error) {
	stalls, err := s.repo.ListByAdmin(ctx, userID)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, len(stalls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryFanout)
	for i, st := range stalls {
		g.Go(func() error {
			pending, completed, err := s.repo.CountParticipations(gctx, st.ID)
			if err != nil {
				return err
			}
			summaries[i] = Summary{Stall: st, PendingParticipations: pending, CompletedParticipations: completed}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Service) Participants(ctx context.Context, stallID uuid.UUID, actor Actor) ([]*Participation, error) {
	if _, err := s.requireAdmin(ctx, stallID, actor); err != nil {
		return nil, err
	}
	return s.repo.ListParticipations(ctx, stallID)
}

// Transactions returns the stall's revenue summary. Cancelled
// participations were refunded and do not count.
func (s *Service) Transactions(ctx context.Context, stallID uuid.UUID, actor Actor) (*Ledger, error) {
	st, err := s.requireAdmin(ctx, stallID, actor)
	if err != nil {
		return nil, err
	}
	ps, err := s.repo.ListParticipations(ctx, stallID)
	if err != nil {
		return nil, err
	}

	ledger := &Ledger{Stall: st, Participations: ps}
	for _, p := range ps {
		if p.Status == ParticipationCancelled {
			continue
		}
		ledger.TotalParticipations++
		ledger.TotalRevenue += p.TokensPaid
	}
	return ledger, nil
}

// Statement is a stored export.
type Statement struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

var statementHeader = []string{
	"participation_id", "user_id", "participant_name", "participants",
	"tokens_paid", "points_awarded", "status", "transaction_id", "created_at",
}

// ExportStatement renders the stall ledger as CSV and stores it.
func (s *Service) ExportStatement(ctx context.Context, stallID uuid.UUID, actor Actor) (*Statement, error) {
	if s.statements == nil {
		return nil, ErrExportUnavailable
	}
	ledger, err := s.Transactions(ctx, stallID, actor)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeStatement(&buf, ledger); err != nil {
		return nil, fmt.Errorf("render statement: %w", err)
	}

	key, err := s.statementKey(ctx, stallID)
	if err != nil {
		return nil, err
	}
	if err := s.statements.Put(ctx, key, &buf, statementMimeType); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info().
		Str("stall_id", stallID.String()).
		Str("key", key).
		Int("rows", len(ledger.Participations)).
		Msg("Statement exported")

	return &Statement{Key: key, URL: s.statements.GetURL(key)}, nil
}

// statementKey picks statements/<stall>/<unix>.csv, adding a -n suffix when
// an export from the same second is already stored.
func (s *Service) statementKey(ctx context.Context, stallID uuid.UUID) (string, error) {
	base := fmt.Sprintf("statements/%s/%d", stallID, s.now().Unix())
	key := base + ".csv"
	for n := 1; n <= statementKeyTries; n++ {
		taken, err := s.statements.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("check statement key: %w", err)
		}
		if !taken {
			return key, nil
		}
		key = fmt.Sprintf("%s-%d.csv", base, n)
	}
	return "", fmt.Errorf("statement key %s: %w", base, ErrCodeCollision)
}

func writeStatement(w io.Writer, ledger *Ledger) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(statementHeader); err != nil {
		return err
	}
	for _, p := range ledger.Participations {
		txnID := ""
		if p.TransactionID != nil {
			txnID = p.TransactionID.String()
		}
		row := []string{
			p.ID.String(),
			p.UserID.String(),
			p.ParticipantName,
			strconv.Itoa(p.NumberOfParticipants),
			strconv.FormatInt(p.TokensPaid, 10),
			strconv.Itoa(p.PointsAwarded),
			string(p.Status),
			txnID,
			p.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	if err := cw.Write([]string{"total", "", "", strconv.Itoa(ledger.TotalParticipations), strconv.FormatInt(ledger.TotalRevenue, 10)}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// pushStats sends the stall's current summary to its admins and to the
// operator role groups.
func (s *Service) pushStats(ctx context.Context, st *Stall) {
	pending, completed, err := s.repo.CountParticipations(ctx, st.ID)
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Str("stall_id", st.ID.String()).Msg("Failed to count participations for stats push")
		return
	}
	current, err := s.repo.Get(ctx, st.ID)
	if err != nil {
		current = st
	}
	summary := Summary{Stall: current, PendingParticipations: pending, CompletedParticipations: completed}

	for _, adminID := range current.AdminIDs {
		s.notifier.ToUser(ctx, adminID, realtime.EventStallStats, summary)
	}
	s.notifier.ToRoles(ctx, realtime.EventStallStats, summary, "admin", "shopkeeper")
}
