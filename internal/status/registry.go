package status

import (
	"maps"
	"sync"
	"time"
)

// Registry is the concurrency-safe holder of process and provider status.
// Writes are last-write-wins; callers serialize causally ordered updates
// themselves. No I/O happens while the lock is held.
type Registry struct {
	mu        sync.RWMutex
	processes map[Kind]ProcessStatus
	providers map[string]ProviderStatus
	version   uint64

	subs    map[int]chan Snapshot
	nextSub int

	now func() time.Time
}

// NewRegistry creates a registry with every process kind not started.
func NewRegistry() *Registry {
	r := &Registry{
		processes: make(map[Kind]ProcessStatus),
		providers: make(map[string]ProviderStatus),
		subs:      make(map[int]chan Snapshot),
		now:       time.Now,
	}
	for _, kind := range Kinds() {
		r.processes[kind] = ProcessStatus{Kind: kind, State: StateNotStarted}
	}
	return r
}

// Process returns the latest committed status for kind.
func (r *Registry) Process(kind Kind) ProcessStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processes[kind]
}

// SetProcess replaces the slot for st.Kind.
func (r *Registry) SetProcess(st ProcessStatus) {
	st.Running = st.State == StateRunning
	if !st.Running && st.State != StateStopping {
		st.Authenticated = false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st.UpdatedAt = r.now()
	r.processes[st.Kind] = st
	r.publishLocked()
}

// Provider returns the latest status for provider.
func (r *Registry) Provider(name string) (ProviderStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.providers[name]
	return st, ok
}

// SetProvider replaces the slot for st.Provider.
func (r *Registry) SetProvider(st ProviderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.CheckedAt.IsZero() {
		st.CheckedAt = r.now()
	}
	r.providers[st.Provider] = st
	r.publishLocked()
}

// SetProviders replaces several provider slots in one commit.
func (r *Registry) SetProviders(sts []ProviderStatus) {
	if len(sts) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, st := range sts {
		if st.CheckedAt.IsZero() {
			st.CheckedAt = now
		}
		r.providers[st.Provider] = st
	}
	r.publishLocked()
}

// Snapshot returns a consistent copy of every slot.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Subscribe returns a channel receiving a snapshot after every write,
// starting with the current one. Slow subscribers miss intermediate
// snapshots but always receive the latest.
func (r *Registry) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	ch <- r.snapshotLocked()
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			close(ch)
			r.mu.Unlock()
		})
	}
	return ch, cancel
}

func (r *Registry) snapshotLocked() Snapshot {
	return Snapshot{
		Proxy:     r.processes[KindProxy],
		Copilot:   r.processes[KindCopilot],
		Providers: maps.Clone(r.providers),
		Version:   r.version,
		TakenAt:   r.now(),
	}
}

func (r *Registry) publishLocked() {
	r.version++
	if len(r.subs) == 0 {
		return
	}
	snap := r.snapshotLocked()
	for _, ch := range r.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		// Full: replace the oldest pending snapshot so the newest one
		// is always delivered.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
