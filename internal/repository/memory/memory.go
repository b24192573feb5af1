package memory

/*
Пакет memory — хранилище в RAM с той же семантикой, что у postgres:
переходы статусов через CAS-предусловие, атомарные инкременты квот,
append-only журнал. Используется в single-binary режиме без БД и в тестах.
*/

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xela07ax/capgate/internal/domain"
	"github.com/xela07ax/capgate/internal/proposal"
)

type Store struct {
	mu sync.RWMutex

	proposals  map[string]*domain.Proposal
	audit      []domain.AuditEvent
	ks         domain.KillSwitch
	exemptions map[string]*domain.PolicyExemption
	quotas     map[string]*domain.QuotaBucket // ключ: bucket + "@" + window
	users      map[string]*domain.User        // по username
}

func NewStore() *Store {
	return &Store{
		proposals:  make(map[string]*domain.Proposal),
		exemptions: make(map[string]*domain.PolicyExemption),
		quotas:     make(map[string]*domain.QuotaBucket),
		users:      make(map[string]*domain.User),
	}
}

// --- proposal.Repository ---

func (s *Store) Create(_ context.Context, p *domain.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.proposals[p.ID] = &cp
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*domain.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) List(_ context.Context, filter proposal.ListFilter) ([]domain.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statusOK := func(st domain.ProposalStatus) bool {
		if len(filter.Statuses) == 0 {
			return true
		}
		for _, want := range filter.Statuses {
			if st == want {
				return true
			}
		}
		return false
	}

	out := make([]domain.Proposal, 0)
	for _, p := range s.proposals {
		if !statusOK(p.Status) {
			continue
		}
		if filter.TenantID != "" && p.TenantID != filter.TenantID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mutate — аналог UPDATE ... WHERE status = from: CAS под общей блокировкой.
func (s *Store) mutate(id string, from domain.ProposalStatus, apply func(p *domain.Proposal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok || p.Status != from {
		return domain.ErrStalePrecondition
	}
	apply(p)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) Approve(_ context.Context, id, approvedBy string, at time.Time) error {
	return s.mutate(id, domain.StatusDraft, func(p *domain.Proposal) {
		p.Status = domain.StatusApproved
		p.ApprovedBy = &approvedBy
		p.ApprovedAt = &at
	})
}

func (s *Store) Reject(_ context.Context, id, reason string, from domain.ProposalStatus) error {
	return s.mutate(id, from, func(p *domain.Proposal) {
		p.Status = domain.StatusRejected
		p.RejectReason = &reason
	})
}

func (s *Store) Reopen(_ context.Context, id string) error {
	return s.mutate(id, domain.StatusRejected, func(p *domain.Proposal) {
		p.Status = domain.StatusDraft
		p.ApprovedBy = nil
		p.ApprovedAt = nil
		p.RejectReason = nil
	})
}

func (s *Store) ClaimExecution(_ context.Context, id, idempotencyKey string, from domain.ProposalStatus) error {
	return s.mutate(id, from, func(p *domain.Proposal) {
		p.Status = domain.StatusInflight
		p.IdempotencyKey = &idempotencyKey
	})
}

func (s *Store) FinishExecution(_ context.Context, id, outputHash string) error {
	return s.mutate(id, domain.StatusInflight, func(p *domain.Proposal) {
		p.Status = domain.StatusExecuted
		p.OutputHash = &outputHash
	})
}

func (s *Store) ReleaseClaim(_ context.Context, id string, to domain.ProposalStatus) error {
	return s.mutate(id, domain.StatusInflight, func(p *domain.Proposal) {
		p.Status = to
		p.IdempotencyKey = nil
	})
}

func (s *Store) RequestRollback(_ context.Context, id string) error {
	return s.mutate(id, domain.StatusExecuted, func(p *domain.Proposal) {
		p.Status = domain.StatusRollbackRequested
	})
}

func (s *Store) FinishRollback(_ context.Context, id string, at time.Time) error {
	return s.mutate(id, domain.StatusRollbackRequested, func(p *domain.Proposal) {
		p.Status = domain.StatusRolledBack
		p.RolledBackAt = &at
	})
}

// --- ledger.StorageInterface ---

func (s *Store) WriteBatch(_ context.Context, events []domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, events...)
	return nil
}

func (s *Store) Fetch(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEvent, 0)
	// Новые первыми
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if filter.ActionPrefix != "" && !strings.HasPrefix(e.Action, filter.ActionPrefix) {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.ApprovalState != "" && e.ApprovalState != filter.ApprovalState {
			continue
		}
		out = append(out, e)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- policy.KillSwitchRepository ---

func (s *Store) GetKillSwitch(_ context.Context) (domain.KillSwitch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ks, nil
}

func (s *Store) SetKillSwitch(_ context.Context, ks domain.KillSwitch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ks = ks
	return nil
}

// --- policy.ExemptionRepository ---

func (s *Store) CreateExemption(_ context.Context, e *domain.PolicyExemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.exemptions[e.ID] = &cp
	return nil
}

func (s *Store) RevokeExemption(_ context.Context, id, revokedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exemptions[id]
	if !ok || e.RevokedAt != nil {
		return domain.ErrStalePrecondition
	}
	e.RevokedAt = &at
	e.RevokedBy = &revokedBy
	return nil
}

func (s *Store) GetExemption(_ context.Context, id string) (*domain.PolicyExemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.exemptions[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListExemptions(_ context.Context) ([]domain.PolicyExemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.PolicyExemption, 0, len(s.exemptions))
	for _, e := range s.exemptions {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) FindMatching(_ context.Context, capID, ownerUID string, now time.Time) (*domain.PolicyExemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.exemptions {
		if e.Matches(capID, ownerUID, now) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// --- quota.Repository ---

func quotaKey(bucket string, windowStart time.Time) string {
	return bucket + "@" + windowStart.UTC().Format(time.RFC3339)
}

func (s *Store) Increment(_ context.Context, bucket string, windowStart time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := quotaKey(bucket, windowStart)
	b, ok := s.quotas[key]
	if !ok {
		b = &domain.QuotaBucket{Bucket: bucket, WindowStart: windowStart}
		s.quotas[key] = b
	}
	b.Count++
	return b.Count, nil
}

func (s *Store) GetBucket(_ context.Context, bucket string, windowStart time.Time) (*domain.QuotaBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.quotas[quotaKey(bucket, windowStart)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (s *Store) ListBuckets(_ context.Context) ([]domain.QuotaBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.QuotaBucket, 0, len(s.quotas))
	for _, b := range s.quotas {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bucket != out[j].Bucket {
			return out[i].Bucket < out[j].Bucket
		}
		return out[i].WindowStart.After(out[j].WindowStart)
	})
	return out, nil
}

func (s *Store) ResetBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.quotas {
		if b.Bucket == bucket {
			delete(s.quotas, key)
		}
	}
	return nil
}

// --- users ---

func (s *Store) PutUser(u *domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.Username] = &cp
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}
