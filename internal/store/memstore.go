package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haggle-project/haggled/internal/attribute"
	"github.com/haggle-project/haggled/internal/dataobject"
)

// MemStore is an in-memory Store, used for tests and for the "-b"
// (in-memory, non-persistent) daemon mode described in spec §6.
type MemStore struct {
	mu      sync.RWMutex
	objects map[dataobject.ID]*dataobject.DataObject
	repo    map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[dataobject.ID]*dataobject.DataObject),
		repo:    make(map[string]string),
	}
}

// Insert stores obj. A collision on id does not replace the stored copy;
// instead it stamps obj.Duplicate = true so the caller can apply spec
// §4.2 invariant (2) ("an insert that collides on id returns the object
// with duplicate=true rather than replacing").
func (s *MemStore) Insert(_ context.Context, obj *dataobject.DataObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objects[obj.ID()]; exists {
		obj.Duplicate = true
		return nil
	}
	obj.Duplicate = false
	s.objects[obj.ID()] = obj.Clone()
	return nil
}

func (s *MemStore) Retrieve(_ context.Context, id dataobject.ID) (*dataobject.DataObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return obj.Clone(), nil
}

func (s *MemStore) Delete(_ context.Context, id dataobject.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[id]; !ok {
		return ErrNotFound
	}
	delete(s.objects, id)
	return nil
}

func (s *MemStore) Query(_ context.Context, want *attribute.Set) ([]*dataobject.DataObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*dataobject.DataObject, 0, len(s.objects))
	for _, obj := range s.objects {
		all = append(all, obj)
	}
	return rankByMatch(all, want), nil
}

func (s *MemStore) All(_ context.Context) ([]*dataobject.DataObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*dataobject.DataObject, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj.Clone())
	}
	return out, nil
}

func (s *MemStore) Age(_ context.Context, want *attribute.Set, maxAge time.Duration, batchCap int) ([]dataobject.ID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var deleted []dataobject.ID
	hitCap := false
	for id, obj := range s.objects {
		if len(deleted) >= batchCap {
			hitCap = true
			break
		}
		if !obj.CreateTime.Before(cutoff) {
			continue
		}
		if _, matched := obj.Attrs.Matches(want); matched > 0 {
			continue
		}
		delete(s.objects, id)
		deleted = append(deleted, id)
	}
	return deleted, hitCap, nil
}

func (s *MemStore) PutRepository(_ context.Context, authority, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo[repoKey(authority, key)] = value
	return nil
}

func (s *MemStore) GetRepository(_ context.Context, authority, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.repo[repoKey(authority, key)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemStore) DeleteRepository(_ context.Context, authority, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := repoKey(authority, key)
	if _, ok := s.repo[k]; !ok {
		return ErrNotFound
	}
	delete(s.repo, k)
	return nil
}

func (s *MemStore) RepositoryByAuthority(_ context.Context, authority string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := authority + ":"
	out := make(map[string]string)
	for k, v := range s.repo {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }
