package projects

import (
	"errors"
	"sync"
)

var errDuplicateID = errors.New("project id already exists")

type Store interface {
	Create(p Project) error
	Update(p Project) error
	Get(id string) (Project, bool)
	Delete(id string) bool
	// List returns every project, most recently created first.
	List() []Project
}

// InMemoryStore keeps projects in submission order. Values are copied in and
// out so callers never share state with the store.
type InMemoryStore struct {
	mu    sync.RWMutex
	data  map[string]Project
	order []string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]Project)}
}

func (s *InMemoryStore) Create(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[p.ID]; ok {
		return errDuplicateID
	}
	s.data[p.ID] = p
	s.order = append(s.order, p.ID)
	return nil
}

func (s *InMemoryStore) Update(p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[p.ID]; !ok {
		return &NotFoundError{ID: p.ID}
	}
	s.data[p.ID] = p
	return nil
}

func (s *InMemoryStore) Get(id string) (Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[id]
	return p, ok
}

func (s *InMemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; !ok {
		return false
	}
	delete(s.data, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *InMemoryStore) List() []Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Project, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		out = append(out, s.data[s.order[i]])
	}
	return out
}
