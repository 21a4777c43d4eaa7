package governance

import "sync"

// Profile declares the capability set of a remote tool. The enforcer builds
// its decision input from the profile of the step's tool; a tool without a
// profile can never execute.
type Profile struct {
	Tool         string   `json:"tool" yaml:"tool"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Declares reports whether the profile lists the capability.
func (p Profile) Declares(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ProfileRegistry manages the set of known agent profiles.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{profiles: make(map[string]Profile)}
}

func (r *ProfileRegistry) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Tool] = p
}

func (r *ProfileRegistry) Get(tool string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[tool]
	return p, ok
}
