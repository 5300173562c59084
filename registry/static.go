package registry

import (
	"context"
	"sort"
	"sync"
)

// Static is an in-process Registry for peers that know each other up front,
// and for tests. Entries never expire.
type Static struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

func NewStatic() *Static {
	return &Static{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (s *Static) Register(_ context.Context, service string, instance Instance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.services[service] == nil {
		s.services[service] = make(map[string]Instance)
	}
	s.services[service][instance.Addr] = instance
	s.notify(service)
	return nil
}

func (s *Static) Deregister(_ context.Context, service, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services[service], addr)
	s.notify(service)
	return nil
}

func (s *Static) Discover(_ context.Context, service string) ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(service), nil
}

func (s *Static) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	s.mu.Lock()
	s.watchers[service] = append(s.watchers[service], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		watchers := s.watchers[service]
		for i, w := range watchers {
			if w == ch {
				s.watchers[service] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// list returns the instances of service sorted by address. Caller holds mu.
func (s *Static) list(service string) []Instance {
	out := make([]Instance, 0, len(s.services[service]))
	for _, inst := range s.services[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// notify hands the latest list to every watcher, replacing a list the watcher
// has not consumed yet. Caller holds mu.
func (s *Static) notify(service string) {
	list := s.list(service)
	for _, ch := range s.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
