package main

import "fmt"

// Registry tracks live connections by role. It is owned by the dispatch
// goroutine and has no lock of its own.
type Registry struct {
	consumers map[*client]struct{}
	producers map[*client]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		consumers: make(map[*client]struct{}),
		producers: make(map[*client]struct{}),
	}
}

// Register adds c under role. Any role other than js or py is refused.
func (r *Registry) Register(c *client, role Role) error {
	switch role {
	case RoleConsumer:
		r.consumers[c] = struct{}{}
	case RoleProducer:
		r.producers[c] = struct{}{}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	c.role = role
	return nil
}

// Unregister removes c from the set of its role and reports whether it
// was registered. Unknown connections are ignored.
func (r *Registry) Unregister(c *client) bool {
	set := r.consumers
	if c.role == RoleProducer {
		set = r.producers
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	return true
}

func (r *Registry) Consumers() []*client {
	out := make([]*client, 0, len(r.consumers))
	for c := range r.consumers {
		out = append(out, c)
	}
	return out
}

func (r *Registry) NumConsumers() int {
	return len(r.consumers)
}

func (r *Registry) NumProducers() int {
	return len(r.producers)
}
