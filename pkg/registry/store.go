package registry

import (
	"sync"
	"sync/atomic"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
)

// Source produces the descriptor list for a load.
type Source interface {
	Descriptors() ([]Descriptor, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() ([]Descriptor, error)

// Descriptors implements Source.
func (f SourceFunc) Descriptors() ([]Descriptor, error) {
	return f()
}

// Static returns a Source that always yields descs.
func Static(descs ...Descriptor) Source {
	return SourceFunc(func() ([]Descriptor, error) {
		return descs, nil
	})
}

// Store publishes the active Registry. Reads are lock-free; loads are
// serialised and replace the snapshot only when the new one validates.
type Store struct {
	current atomic.Pointer[Registry]
	loadMu  sync.Mutex
	logger  logging.Logger

	subMu       sync.RWMutex
	subscribers []func(*Registry)
}

// NewStore creates a store holding an empty registry.
func NewStore(logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Store{logger: logger.WithFields(logging.Component("registry"))}
	s.current.Store(Empty())
	return s
}

// Load reads src and, if it validates, atomically replaces the active
// registry. On any error the previous registry stays in place.
func (s *Store) Load(src Source) (*Registry, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	descs, err := src.Descriptors()
	if err != nil {
		s.logger.WithError(err).Error("Registry source failed, keeping active registry")
		return nil, err
	}

	next, err := New(descs)
	if err != nil {
		s.logger.WithError(err).Error("Registry rejected, keeping active registry")
		return nil, err
	}

	prev := s.current.Swap(next)
	if prev.Equal(next) {
		s.logger.Debug("Registry reloaded without changes", logging.Int("backends", next.Len()))
		return next, nil
	}

	s.logger.Info("Registry loaded", logging.Int("backends", next.Len()), logging.Any("names", next.Names()))
	s.notify(next)
	return next, nil
}

// Current returns the active snapshot.
func (s *Store) Current() *Registry {
	return s.current.Load()
}

// Lookup resolves name against the active snapshot.
func (s *Store) Lookup(name string) (Descriptor, error) {
	return s.Current().Lookup(name)
}

// All lists the active snapshot's descriptors.
func (s *Store) All() []Descriptor {
	return s.Current().All()
}

// Subscribe registers fn to run after every load that changes the registry.
func (s *Store) Subscribe(fn func(*Registry)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) notify(r *Registry) {
	s.subMu.RLock()
	subs := make([]func(*Registry), len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(r)
	}
}
