package callsession

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository used by tests and local wiring.
// All transitions hold the repo lock, which gives the same atomicity the
// Postgres implementation gets from conditional UPDATEs.
type MemoryRepo struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{sessions: make(map[string]*Session)}
}

func (r *MemoryRepo) Create(ctx context.Context, s Session) error {
	if s.ID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := cloneSession(s)
	r.sessions[s.ID] = &cp
	return nil
}

func (r *MemoryRepo) GetByID(ctx context.Context, id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return cloneSession(*s), nil
}

func (r *MemoryRepo) ListOpenByParticipant(ctx context.Context, participantID string) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Session
	for _, s := range r.sessions {
		if s.EndedAt == nil && s.Involves(participantID) {
			out = append(out, cloneSession(*s))
		}
	}
	sortByRecency(out)
	return out, nil
}

func (r *MemoryRepo) ListByParticipant(ctx context.Context, participantID string, limit, offset int) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Session
	for _, s := range r.sessions {
		if s.Involves(participantID) {
			all = append(all, cloneSession(*s))
		}
	}
	sortByRecency(all)
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepo) FindOpenByLegRef(ctx context.Context, legRef string) (Session, error) {
	if legRef == "" {
		return Session{}, ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.EndedAt != nil {
			continue
		}
		for _, l := range s.LegRefs {
			if l == legRef {
				return cloneSession(*s), nil
			}
		}
	}
	return Session{}, ErrNotFound
}

func (r *MemoryRepo) SetBridgeRefs(ctx context.Context, id, bridgeSessionRef string, legRefs []string) error {
	if bridgeSessionRef == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.BridgeSessionRef != "" && s.BridgeSessionRef != bridgeSessionRef {
		return ErrAlreadyConnecting
	}
	s.BridgeSessionRef = bridgeSessionRef
	s.LegRefs = append(s.LegRefs[:0], legRefs...)
	if s.State == StateInitiated {
		s.State = StateConnecting
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepo) AppendLegRef(ctx context.Context, id, legRef string) error {
	if legRef == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	for _, l := range s.LegRefs {
		if l == legRef {
			return nil
		}
	}
	s.LegRefs = append(s.LegRefs, legRef)
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepo) MarkLive(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.EndedAt != nil || s.IsLive {
		return false, nil
	}
	s.IsLive = true
	s.State = StateLive
	if s.StartedAt == nil {
		t := at
		s.StartedAt = &t
	}
	s.LastConfirmedAt = at
	s.UpdatedAt = at
	return true, nil
}

func (r *MemoryRepo) Confirm(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.EndedAt != nil {
		return nil
	}
	if at.After(s.LastConfirmedAt) {
		s.LastConfirmedAt = at
		s.UpdatedAt = at
	}
	return nil
}

func (r *MemoryRepo) End(ctx context.Context, id string, at time.Time, reason string, durationSeconds int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.EndedAt != nil {
		return false, nil
	}
	t := at
	s.EndedAt = &t
	s.IsLive = false
	s.State = StateEnded
	s.EndReason = reason
	if durationSeconds > 0 {
		s.DurationSeconds = durationSeconds
	} else if s.StartedAt != nil {
		s.DurationSeconds = int(at.Sub(*s.StartedAt) / time.Second)
	}
	s.UpdatedAt = at
	return true, nil
}

func (r *MemoryRepo) SetRecordingRef(ctx context.Context, id, ref string) error {
	if ref == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.RecordingRef == "" {
		s.RecordingRef = ref
		s.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *MemoryRepo) SetTranscript(ctx context.Context, id, text string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.TranscriptText != nil {
		return false, nil
	}
	s.TranscriptText = &text
	s.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MemoryRepo) SetSummary(ctx context.Context, id, text string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if s.SummaryText != nil {
		return false, nil
	}
	s.SummaryText = &text
	t := at
	s.SummaryUpdatedAt = &t
	s.UpdatedAt = at
	return true, nil
}

func cloneSession(s Session) Session {
	out := s
	out.LegRefs = append([]string(nil), s.LegRefs...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	if s.TranscriptText != nil {
		v := *s.TranscriptText
		out.TranscriptText = &v
	}
	if s.SummaryText != nil {
		v := *s.SummaryText
		out.SummaryText = &v
	}
	if s.SummaryUpdatedAt != nil {
		t := *s.SummaryUpdatedAt
		out.SummaryUpdatedAt = &t
	}
	return out
}

func sortByRecency(ss []Session) {
	sort.Slice(ss, func(i, j int) bool {
		return ss[i].CreatedAt.After(ss[j].CreatedAt)
	})
}
