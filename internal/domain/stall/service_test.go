package stall

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vksha/carnival-api/internal/domain/leaderboard"
	"github.com/vksha/carnival-api/internal/domain/token"
)

type fixture struct {
	svc    *Service
	repo   *MemoryRepository
	tokens *token.Service
	board  *leaderboard.Service
	store  *memoryStatements
}

type memoryStatements struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *memoryStatements) Put(_ context.Context, key string, r io.Reader, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = data
	return nil
}

func (m *memoryStatements) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[key]
	return ok, nil
}

func (m *memoryStatements) GetURL(key string) string { return "https://files.test/" + key }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, NewMemoryRepository())
}

func newFixtureWithRepo(t *testing.T, repo Repository) *fixture {
	t.Helper()
	board := leaderboard.NewService(leaderboard.NewMemoryStore(), nil)
	tokens := token.NewService(token.NewMemoryRepository(), nil, board, token.RechargeConfig{Ratio: 2, MinRecharge: 1, MaxRecharge: 10000})
	store := &memoryStatements{files: make(map[string][]byte)}
	f := &fixture{
		svc:    NewService(repo, tokens, board, nil, store),
		tokens: tokens,
		board:  board,
		store:  store,
	}
	if mem, ok := repo.(*MemoryRepository); ok {
		f.repo = mem
	}
	return f
}

func (f *fixture) fund(t *testing.T, userID uuid.UUID, amount float64) {
	t.Helper()
	if _, err := f.tokens.Recharge(context.Background(), token.RechargeInput{UserID: userID, Amount: amount}); err != nil {
		t.Fatalf("recharge failed: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) int64 {
	t.Helper()
	view, err := f.tokens.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	return view.Balance
}

func (f *fixture) stall(t *testing.T, admin uuid.UUID, in CreateStallInput) *Stall {
	t.Helper()
	if in.Name == "" {
		in.Name = "Ring Toss"
	}
	if in.Category == "" {
		in.Category = CategoryGame
	}
	st, err := f.svc.Create(context.Background(), admin, in)
	if err != nil {
		t.Fatalf("create stall failed: %v", err)
	}
	return st
}

func intPtr(v int) *int { return &v }

func TestCreateStallCodes(t *testing.T) {
	f := newFixture(t)
	admin := uuid.New()
	st := f.stall(t, admin, CreateStallInput{AdminIDs: []uuid.UUID{admin, uuid.New()}})

	if !strings.HasPrefix(st.QRCode, "STALL_") || len(st.QRCode) != len("STALL_")+16 {
		t.Fatalf("unexpected qr code %q", st.QRCode)
	}
	if len(st.ShortCode) != 6 {
		t.Fatalf("unexpected short code %q", st.ShortCode)
	}
	if len(st.AdminIDs) != 2 || !st.IsAdmin(admin) {
		t.Fatalf("expected creator plus one admin, got %v", st.AdminIDs)
	}

	found, err := f.svc.Lookup(context.Background(), strings.ToLower(st.ShortCode))
	if err != nil || found.ID != st.ID {
		t.Fatalf("lookup by short code failed: %v", err)
	}
	found, err = f.svc.Lookup(context.Background(), st.QRCode)
	if err != nil || found.ID != st.ID {
		t.Fatalf("lookup by qr code failed: %v", err)
	}
}

func TestParticipateNeverOverbooks(t *testing.T) {
	f := newFixture(t)
	st := f.stall(t, uuid.New(), CreateStallInput{TokenCost: 10, MaxParticipants: intPtr(5)})

	users := make([]uuid.UUID, 6)
	for i := range users {
		users[i] = uuid.New()
		f.fund(t, users[i], 50)
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		full      atomic.Int64
	)
	for _, userID := range users {
		wg.Add(1)
		go func(userID uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Participate(context.Background(), userID, ParticipateRequest{StallID: &st.ID})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrCapacityExceeded):
				full.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(userID)
	}
	wg.Wait()

	if succeeded.Load() != 5 || full.Load() != 1 {
		t.Fatalf("expected 5 participations and 1 rejection, got %d and %d", succeeded.Load(), full.Load())
	}
	current, _ := f.svc.Get(context.Background(), st.ID)
	if current.CurrentParticipants != 5 {
		t.Fatalf("expected 5 current participants, got %d", current.CurrentParticipants)
	}

	var spent int64
	for _, userID := range users {
		spent += 100 - f.balance(t, userID)
	}
	if spent != 50 {
		t.Fatalf("expected 50 tokens collected, got %d", spent)
	}
}

func TestParticipateInsufficientFundsRollsBack(t *testing.T) {
	f := newFixture(t)
	st := f.stall(t, uuid.New(), CreateStallInput{TokenCost: 80, MaxParticipants: intPtr(10)})
	user := uuid.New()
	f.fund(t, user, 25) // 50 tokens

	_, err := f.svc.Participate(context.Background(), user, ParticipateRequest{ShortCode: st.ShortCode})
	if !errors.Is(err, token.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.balance(t, user); got != 50 {
		t.Fatalf("expected balance 50, got %d", got)
	}
	current, _ := f.svc.Get(context.Background(), st.ID)
	if current.CurrentParticipants != 0 {
		t.Fatalf("expected slot released, got %d", current.CurrentParticipants)
	}
	pending, _ := f.tokens.Pending(context.Background(), user)
	if len(pending) != 0 {
		t.Fatalf("expected no pending payments, got %d", len(pending))
	}
}

func TestParticipateGroupMismatch(t *testing.T) {
	f := newFixture(t)
	st := f.stall(t, uuid.New(), CreateStallInput{Name: "Dance Off", Category: CategoryStageProgram, MaxParticipants: intPtr(3)})

	_, err := f.svc.Participate(context.Background(), uuid.New(), ParticipateRequest{
		StallID:              &st.ID,
		ParticipantName:      "The Steppers",
		NumberOfParticipants: 3,
		GroupMembers:         []uuid.UUID{uuid.New()},
	})
	if !errors.Is(err, ErrParticipantCountMismatch) {
		t.Fatalf("expected ErrParticipantCountMismatch, got %v", err)
	}
	current, _ := f.svc.Get(context.Background(), st.ID)
	if current.CurrentParticipants != 0 {
		t.Fatalf("expected no slot taken, got %d", current.CurrentParticipants)
	}
}

func TestParticipateGroupMembersExcludeRegistrant(t *testing.T) {
	f := newFixture(t)
	st := f.stall(t, uuid.New(), CreateStallInput{Name: "Choir", Category: CategoryStageProgram})
	registrant, member := uuid.New(), uuid.New()

	cases := map[string]ParticipateRequest{
		"registrant listed": {ParticipantName: "Choir", NumberOfParticipants: 2, GroupMembers: []uuid.UUID{registrant}},
		"duplicate member":  {ParticipantName: "Choir", NumberOfParticipants: 3, GroupMembers: []uuid.UUID{member, member}},
		"nil member":        {ParticipantName: "Choir", NumberOfParticipants: 2, GroupMembers: []uuid.UUID{uuid.Nil}},
	}
	for name, req := range cases {
		req.StallID = &st.ID
		if _, err := f.svc.Participate(context.Background(), registrant, req); !errors.Is(err, ErrParticipantCountMismatch) {
			t.Fatalf("%s: expected ErrParticipantCountMismatch, got %v", name, err)
		}
	}

	_, err := f.svc.Participate(context.Background(), registrant, ParticipateRequest{
		StallID:              &st.ID,
		NumberOfParticipants: 2,
		GroupMembers:         []uuid.UUID{member},
	})
	if !errors.Is(err, ErrParticipantNameRequired) {
		t.Fatalf("expected ErrParticipantNameRequired, got %v", err)
	}

	current, _ := f.svc.Get(context.Background(), st.ID)
	if current.CurrentParticipants != 0 {
		t.Fatalf("expected no slot taken, got %d", current.CurrentParticipants)
	}
}

func TestParticipateClosedStall(t *testing.T) {
	f := newFixture(t)
	admin := uuid.New()
	st := f.stall(t, admin, CreateStallInput{})
	closed := false
	if _, err := f.svc.Update(context.Background(), st.ID, Actor{UserID: admin}, UpdateStallInput{IsOpen: &closed}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	_, err := f.svc.Participate(context.Background(), uuid.New(), ParticipateRequest{StallID: &st.ID})
	if !errors.Is(err, ErrStallClosed) {
		t.Fatalf("expected ErrStallClosed, got %v", err)
	}
}

func TestFreeStallWithoutLimitCounts(t *testing.T) {
	f := newFixture(t)
	st := f.stall(t, uuid.New(), CreateStallInput{})
	for i := 0; i < 3; i++ {
		p, err := f.svc.Participate(context.Background(), uuid.New(), ParticipateRequest{StallID: &st.ID})
		if err != nil {
			t.Fatalf("participate failed: %v", err)
		}
		if p.TransactionID != nil || p.TokensPaid != 0 {
			t.Fatalf("free stall must not charge: %+v", p)
		}
	}
	current, _ := f.svc.Get(context.Background(), st.ID)
	if current.CurrentParticipants != 3 {
		t.Fatalf("expected 3 participants, got %d", current.CurrentParticipants)
	}
}

func TestAwardRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	st := f.stall(t, admin, CreateStallInput{Name: "Band Night", Category: CategoryStageProgram})
	other := f.stall(t, uuid.New(), CreateStallInput{Name: "Darts"})

	registrant, member := uuid.New(), uuid.New()
	p, err := f.svc.Participate(ctx, registrant, ParticipateRequest{
		StallID:              &st.ID,
		ParticipantName:      "Duo",
		NumberOfParticipants: 2,
		GroupMembers:         []uuid.UUID{member},
	})
	if err != nil {
		t.Fatalf("participate failed: %v", err)
	}

	if _, err := f.svc.Award(ctx, p.ID, 40, "", other.AdminIDs[0]); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.svc.Award(ctx, p.ID, 0, "", admin); !errors.Is(err, ErrInvalidPoints) {
		t.Fatalf("expected ErrInvalidPoints, got %v", err)
	}

	done, err := f.svc.Award(ctx, p.ID, 40, "great set", admin)
	if err != nil {
		t.Fatalf("award failed: %v", err)
	}
	if done.Status != ParticipationCompleted || done.PointsAwarded != 40 || done.AwardedBy == nil || *done.AwardedBy != admin {
		t.Fatalf("unexpected awarded participation: %+v", done)
	}
	for _, points := range []int{10, 40, 0, -5} {
		if _, err := f.svc.Award(ctx, p.ID, points, "again", admin); !errors.Is(err, ErrAlreadyAwarded) {
			t.Fatalf("retry with %d points: expected ErrAlreadyAwarded, got %v", points, err)
		}
	}
	if again, _ := f.repo.GetParticipation(ctx, p.ID); again.PointsAwarded != 40 {
		t.Fatalf("expected points to stay 40, got %d", again.PointsAwarded)
	}

	top, _ := f.board.Top(ctx, 10)
	if len(top) != 2 || top[0].Points != 40 || top[1].Points != 40 {
		t.Fatalf("expected registrant and member at 40 points, got %+v", top)
	}
}

func TestConcurrentAwardsSettleOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	st := f.stall(t, admin, CreateStallInput{})
	p, _ := f.svc.Participate(ctx, uuid.New(), ParticipateRequest{StallID: &st.ID})

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Award(ctx, p.ID, 5, "", admin); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()
	if succeeded.Load() != 1 {
		t.Fatalf("expected one award, got %d", succeeded.Load())
	}
}

type failingInsertRepo struct {
	*MemoryRepository
}

func (failingInsertRepo) CreateParticipation(context.Context, *Participation) error {
	return errors.New("disk full")
}

func TestParticipationInsertFailureRefunds(t *testing.T) {
	mem := NewMemoryRepository()
	f := newFixtureWithRepo(t, failingInsertRepo{mem})
	st := f.stall(t, uuid.New(), CreateStallInput{TokenCost: 30, MaxParticipants: intPtr(2)})
	user := uuid.New()
	f.fund(t, user, 50)

	if _, err := f.svc.Participate(context.Background(), user, ParticipateRequest{StallID: &st.ID}); err == nil {
		t.Fatal("expected participation to fail")
	}
	if got := f.balance(t, user); got != 100 {
		t.Fatalf("expected charge refunded to 100, got %d", got)
	}
	current, _ := mem.Get(context.Background(), st.ID)
	if current.CurrentParticipants != 0 {
		t.Fatalf("expected slot released, got %d", current.CurrentParticipants)
	}
}

func TestCancelRefundsAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	st := f.stall(t, admin, CreateStallInput{TokenCost: 20, MaxParticipants: intPtr(1)})
	user := uuid.New()
	f.fund(t, user, 50)

	p, err := f.svc.Participate(ctx, user, ParticipateRequest{StallID: &st.ID})
	if err != nil {
		t.Fatalf("participate failed: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, p.ID, Actor{UserID: uuid.New(), Role: "shopkeeper"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	done, err := f.svc.Cancel(ctx, p.ID, Actor{UserID: admin})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if done.Status != ParticipationCancelled {
		t.Fatalf("expected cancelled, got %s", done.Status)
	}
	if got := f.balance(t, user); got != 100 {
		t.Fatalf("expected refund to 100, got %d", got)
	}
	if _, err := f.svc.Participate(ctx, uuid.New(), ParticipateRequest{StallID: &st.ID}); errors.Is(err, ErrCapacityExceeded) {
		t.Fatal("expected the slot to be free again")
	}
	if _, err := f.svc.Cancel(ctx, p.ID, Actor{UserID: admin}); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
	if _, err := f.svc.Award(ctx, p.ID, 10, "", admin); !errors.Is(err, ErrParticipationCancelled) {
		t.Fatalf("expected ErrParticipationCancelled, got %v", err)
	}
	if _, err := f.repo.Award(ctx, p.ID, 10, "", admin, time.Now()); !errors.Is(err, ErrParticipationCancelled) {
		t.Fatalf("expected repository ErrParticipationCancelled, got %v", err)
	}
}

func TestUpdateCannotShrinkBelowCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	st := f.stall(t, admin, CreateStallInput{MaxParticipants: intPtr(5)})
	for i := 0; i < 3; i++ {
		if _, err := f.svc.Participate(ctx, uuid.New(), ParticipateRequest{StallID: &st.ID}); err != nil {
			t.Fatalf("participate failed: %v", err)
		}
	}

	if _, err := f.svc.Update(ctx, st.ID, Actor{UserID: admin}, UpdateStallInput{MaxParticipants: intPtr(2)}); !errors.Is(err, ErrCapacityBelowCurrent) {
		t.Fatalf("expected ErrCapacityBelowCurrent, got %v", err)
	}
	if _, err := f.svc.Update(ctx, st.ID, Actor{UserID: uuid.New(), Role: "shopkeeper"}, UpdateStallInput{MaxParticipants: intPtr(9)}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	updated, err := f.svc.Update(ctx, st.ID, Actor{UserID: uuid.New(), Role: "admin"}, UpdateStallInput{MaxParticipants: intPtr(3)})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if *updated.MaxParticipants != 3 {
		t.Fatalf("expected max 3, got %d", *updated.MaxParticipants)
	}
}

func TestMyStallsAndLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	a := f.stall(t, admin, CreateStallInput{Name: "Alpha", TokenCost: 5})
	f.stall(t, admin, CreateStallInput{Name: "Beta"})
	f.stall(t, uuid.New(), CreateStallInput{Name: "Gamma"})

	var first *Participation
	for i := 0; i < 2; i++ {
		user := uuid.New()
		f.fund(t, user, 10)
		p, err := f.svc.Participate(ctx, user, ParticipateRequest{StallID: &a.ID})
		if err != nil {
			t.Fatalf("participate failed: %v", err)
		}
		if first == nil {
			first = p
		}
	}
	if _, err := f.svc.Award(ctx, first.ID, 10, "", admin); err != nil {
		t.Fatalf("award failed: %v", err)
	}

	summaries, err := f.svc.MyStalls(ctx, admin)
	if err != nil {
		t.Fatalf("my stalls failed: %v", err)
	}
	if len(summaries) != 2 || summaries[0].Name != "Alpha" {
		t.Fatalf("expected Alpha and Beta, got %+v", summaries)
	}
	if summaries[0].PendingParticipations != 1 || summaries[0].CompletedParticipations != 1 {
		t.Fatalf("unexpected counts: %+v", summaries[0])
	}

	ledger, err := f.svc.Transactions(ctx, a.ID, Actor{UserID: admin})
	if err != nil {
		t.Fatalf("transactions failed: %v", err)
	}
	if ledger.TotalRevenue != 10 || ledger.TotalParticipations != 2 {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}
}

func TestExportStatement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	st := f.stall(t, admin, CreateStallInput{TokenCost: 5})
	user := uuid.New()
	f.fund(t, user, 10)
	if _, err := f.svc.Participate(ctx, user, ParticipateRequest{StallID: &st.ID, ParticipantName: "Asha, Jr."}); err != nil {
		t.Fatalf("participate failed: %v", err)
	}

	statement, err := f.svc.ExportStatement(ctx, st.ID, Actor{UserID: admin})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.HasPrefix(statement.Key, "statements/"+st.ID.String()+"/") || !strings.HasSuffix(statement.Key, ".csv") {
		t.Fatalf("unexpected key %s", statement.Key)
	}
	if statement.URL != "https://files.test/"+statement.Key {
		t.Fatalf("unexpected url %s", statement.URL)
	}

	data := f.store.files[statement.Key]
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header, row and total, got %q", data)
	}
	if !bytes.Contains(data, []byte(`"Asha, Jr."`)) {
		t.Fatalf("expected quoted participant name, got %q", data)
	}

	disabled := NewService(f.repo, f.tokens, nil, nil, nil)
	if _, err := disabled.ExportStatement(ctx, st.ID, Actor{UserID: admin}); !errors.Is(err, ErrExportUnavailable) {
		t.Fatalf("expected ErrExportUnavailable, got %v", err)
	}
}

func TestExportStatementSameSecondKeepsBoth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	st := f.stall(t, admin, CreateStallInput{})
	fixed := time.Unix(1700000000, 0)
	f.svc.now = func() time.Time { return fixed }

	first, err := f.svc.ExportStatement(ctx, st.ID, Actor{UserID: admin})
	if err != nil {
		t.Fatalf("first export failed: %v", err)
	}
	second, err := f.svc.ExportStatement(ctx, st.ID, Actor{UserID: admin})
	if err != nil {
		t.Fatalf("second export failed: %v", err)
	}

	prefix := "statements/" + st.ID.String() + "/1700000000"
	if first.Key != prefix+".csv" || second.Key != prefix+"-1.csv" {
		t.Fatalf("unexpected keys %s and %s", first.Key, second.Key)
	}
	if len(f.store.files) != 2 {
		t.Fatalf("expected two stored statements, got %d", len(f.store.files))
	}
}
