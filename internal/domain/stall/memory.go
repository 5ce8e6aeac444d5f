package stall

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type stallEntry struct {
	mu    sync.Mutex
	stall Stall
}

func (e *stallEntry) snapshot() *Stall {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stall
	s.AdminIDs = append(IDList(nil), e.stall.AdminIDs...)
	return &s
}

// MemoryRepository keeps stalls and participations in process. Capacity
// changes hold the stall's own mutex.
type MemoryRepository struct {
	mu             sync.RWMutex
	stalls         map[uuid.UUID]*stallEntry
	byCode         map[string]uuid.UUID
	byShortCode    map[string]uuid.UUID
	participations map[uuid.UUID]*Participation
	order          []uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		stalls:         make(map[uuid.UUID]*stallEntry),
		byCode:         make(map[string]uuid.UUID),
		byShortCode:    make(map[string]uuid.UUID),
		participations: make(map[uuid.UUID]*Participation),
	}
}

func (m *MemoryRepository) entry(id uuid.UUID) (*stallEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.stalls[id]
	if !ok {
		return nil, ErrStallNotFound
	}
	return e, nil
}

func (m *MemoryRepository) Create(_ context.Context, s *Stall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byCode[s.QRCode]; ok {
		return ErrCodeCollision
	}
	if _, ok := m.byShortCode[s.ShortCode]; ok {
		return ErrCodeCollision
	}
	m.stalls[s.ID] = &stallEntry{stall: *s}
	m.byCode[s.QRCode] = s.ID
	m.byShortCode[s.ShortCode] = s.ID
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Stall, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

func (m *MemoryRepository) all() []*Stall {
	m.mu.RLock()
	entries := make([]*stallEntry, 0, len(m.stalls))
	for _, e := range m.stalls {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	stalls := make([]*Stall, 0, len(entries))
	for _, e := range entries {
		stalls = append(stalls, e.snapshot())
	}
	sort.Slice(stalls, func(i, j int) bool { return stalls[i].Name < stalls[j].Name })
	return stalls
}

func (m *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*Stall, error) {
	out := []*Stall{}
	for _, s := range m.all() {
		if filter.Category != "" && s.Category != filter.Category {
			continue
		}
		if filter.ActiveOnly && !s.IsActive {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *MemoryRepository) ListByAdmin(_ context.Context, userID uuid.UUID) ([]*Stall, error) {
	out := []*Stall{}
	for _, s := range m.all() {
		if s.IsAdmin(userID) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryRepository) FindIDByCode(_ context.Context, code string) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byCode[code], nil
}

func (m *MemoryRepository) FindIDByShortCode(_ context.Context, shortCode string) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byShortCode[shortCode], nil
}

func (m *MemoryRepository) Update(_ context.Context, id uuid.UUID, in UpdateStallInput) (*Stall, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if in.MaxParticipants != nil && *in.MaxParticipants < e.stall.CurrentParticipants {
		e.mu.Unlock()
		return nil, ErrCapacityBelowCurrent
	}
	if in.IsOpen != nil {
		e.stall.IsOpen = *in.IsOpen
	}
	if in.IsActive != nil {
		e.stall.IsActive = *in.IsActive
	}
	if in.TokenCost != nil {
		e.stall.TokenCost = *in.TokenCost
	}
	if in.MaxParticipants != nil {
		limit := *in.MaxParticipants
		e.stall.MaxParticipants = &limit
	}
	e.stall.UpdatedAt = time.Now()
	e.mu.Unlock()
	return e.snapshot(), nil
}

func (m *MemoryRepository) Reserve(_ context.Context, id uuid.UUID) (*Stall, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if !e.stall.Accepting() {
		e.mu.Unlock()
		return nil, ErrStallClosed
	}
	if !e.stall.HasRoom() {
		e.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	e.stall.CurrentParticipants++
	e.stall.UpdatedAt = time.Now()
	e.mu.Unlock()
	return e.snapshot(), nil
}

func (m *MemoryRepository) Release(_ context.Context, id uuid.UUID) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stall.CurrentParticipants > 0 {
		e.stall.CurrentParticipants--
	}
	e.stall.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) CreateParticipation(_ context.Context, p *Participation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stalls[p.StallID]; !ok {
		return ErrStallNotFound
	}
	stored := *p
	m.participations[p.ID] = &stored
	m.order = append(m.order, p.ID)
	return nil
}

func (m *MemoryRepository) GetParticipation(_ context.Context, id uuid.UUID) (*Participation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participations[id]
	if !ok {
		return nil, ErrParticipationNotFound
	}
	out := *p
	return &out, nil
}

func (m *MemoryRepository) ListParticipations(_ context.Context, stallID uuid.UUID) ([]*Participation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*Participation{}
	for i := len(m.order) - 1; i >= 0; i-- {
		p := m.participations[m.order[i]]
		if p.StallID == stallID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepository) CountParticipations(_ context.Context, stallID uuid.UUID) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pending, completed := 0, 0
	for _, p := range m.participations {
		if p.StallID != stallID {
			continue
		}
		switch p.Status {
		case ParticipationPending:
			pending++
		case ParticipationCompleted:
			completed++
		}
	}
	return pending, completed, nil
}

func (m *MemoryRepository) transition(id uuid.UUID, next ParticipationStatus, apply func(p *Participation)) (*Participation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participations[id]
	if !ok {
		return nil, ErrParticipationNotFound
	}
	if !p.Status.CanTransitionTo(next) {
		out := *p
		return &out, errNotPending
	}
	p.Status = next
	apply(p)
	out := *p
	return &out, nil
}

func (m *MemoryRepository) Award(_ context.Context, id uuid.UUID, points int, notes string, awardedBy uuid.UUID, at time.Time) (*Participation, error) {
	p, err := m.transition(id, ParticipationCompleted, func(p *Participation) {
		p.PointsAwarded = points
		p.Notes = notes
		p.AwardedBy = &awardedBy
		p.PointsAwardedAt = &at
		p.UpdatedAt = at
	})
	if err == errNotPending {
		return nil, awardConflict(p.Status)
	}
	return p, err
}

func (m *MemoryRepository) Cancel(_ context.Context, id uuid.UUID, at time.Time) (*Participation, error) {
	p, err := m.transition(id, ParticipationCancelled, func(p *Participation) {
		p.UpdatedAt = at
	})
	if err == errNotPending {
		return nil, ErrNotCancellable
	}
	return p, err
}
