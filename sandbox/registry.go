package sandbox

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// registryState is an immutable snapshot of the configured profiles.
type registryState struct {
	profiles        map[string]Profile
	runtimeEndpoint string
}

// Registry maps profile names to execution environments. It is configured
// once at startup and read concurrently afterwards; Configure swaps in a new
// snapshot, so readers never block.
type Registry struct {
	state atomic.Pointer[registryState]
}

// NewRegistry creates a registry from the given profiles.
func NewRegistry(profiles []Profile, runtimeEndpoint string) (*Registry, error) {
	r := &Registry{}
	if err := r.Configure(profiles, runtimeEndpoint); err != nil {
		return nil, err
	}
	return r, nil
}

// Configure replaces any previously configured state.
func (r *Registry) Configure(profiles []Profile, runtimeEndpoint string) error {
	byName := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if err := p.validate(); err != nil {
			return err
		}
		if _, dup := byName[p.Name]; dup {
			return fmt.Errorf("duplicate profile: %s", p.Name)
		}
		byName[p.Name] = p
	}
	r.state.Store(&registryState{
		profiles:        byName,
		runtimeEndpoint: runtimeEndpoint,
	})
	return nil
}

// Resolve returns the profile registered under name.
func (r *Registry) Resolve(name string) (Profile, error) {
	st := r.state.Load()
	if st != nil {
		if p, ok := st.profiles[name]; ok {
			return p, nil
		}
	}
	return Profile{}, NewError(KindUnknownProfile, "profile not found: %s", name)
}

// Names lists the registered profiles in sorted order.
func (r *Registry) Names() []string {
	st := r.state.Load()
	if st == nil {
		return nil
	}
	names := make([]string, 0, len(st.profiles))
	for name := range st.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RuntimeEndpoint is the container runtime address configured alongside the
// profiles.
func (r *Registry) RuntimeEndpoint() string {
	st := r.state.Load()
	if st == nil {
		return ""
	}
	return st.runtimeEndpoint
}
