package templates

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voiceform/internal/domain"
	"voiceform/internal/ports"
)

// MemoryStore keeps templates in process. It is used when no database is
// configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.TemplateRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.TemplateRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.TemplateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return domain.TemplateRecord{}, ports.ErrTemplateNotFound
	}
	return record, nil
}

// List returns templates oldest first.
func (s *MemoryStore) List(_ context.Context) ([]domain.TemplateRecord, error) {
	s.mu.RLock()
	out := make([]domain.TemplateRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, name string, spec domain.TemplateSpec) (domain.TemplateRecord, error) {
	name, spec, err := prepare(name, spec)
	if err != nil {
		return domain.TemplateRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(name, spec), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, name string, spec domain.TemplateSpec) (domain.TemplateRecord, error) {
	name, spec, err := prepare(name, spec)
	if err != nil {
		return domain.TemplateRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return domain.TemplateRecord{}, ports.ErrTemplateNotFound
	}
	record.Name = name
	record.Spec = spec
	record.UpdatedAt = s.now()
	s.records[id] = record
	return record, nil
}

func (s *MemoryStore) Duplicate(_ context.Context, id string) (domain.TemplateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	source, ok := s.records[id]
	if !ok {
		return domain.TemplateRecord{}, ports.ErrTemplateNotFound
	}
	return s.insertLocked(source.Name+copySuffix, source.Spec), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ports.ErrTemplateNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) insertLocked(name string, spec domain.TemplateSpec) domain.TemplateRecord {
	now := s.now()
	record := domain.TemplateRecord{
		ID:        uuid.NewString(),
		Name:      name,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.records[record.ID] = record
	return record
}

var (
	_ ports.TemplateStore = (*MemoryStore)(nil)
	_ ports.TemplateStore = (*PostgresStore)(nil)
)
