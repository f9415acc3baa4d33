// Package workflow tracks workflow contexts: groups of requests (typically
// multi-agent) that share engine affinity. A context is created on first
// use, touched on every request, and expires by TTL or LRU pressure.
package workflow

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/datawire/dlib/dlog"
)

// Clock is the mechanism used to get the current time.
type Clock interface {
	Now() time.Time
}

// Context is an immutable snapshot of one workflow's state.
type Context struct {
	WorkflowID          string    `json:"workflow_id"`
	CreatedAt           time.Time `json:"created_at"`
	LastAccessAt        time.Time `json:"last_access_at"`
	AssignedEndpointURL string    `json:"assigned_endpoint_url,omitempty"`
	Agents              []string  `json:"agents"`
	RequestCount        int64     `json:"request_count"`
	CacheHitCount       int64     `json:"cache_hit_count"`
	TotalTokens         int64     `json:"total_tokens"`
}

type entry struct {
	mu         sync.Mutex
	id         string
	createdAt  time.Time
	lastAccess atomic.Int64 // unix nanos
	assigned   string
	agents     map[string]struct{}

	requestCount  atomic.Int64
	cacheHitCount atomic.Int64
	totalTokens   atomic.Int64
}

func (e *entry) snapshot() *Context {
	e.mu.Lock()
	agents := make([]string, 0, len(e.agents))
	for a := range e.agents {
		agents = append(agents, a)
	}
	assigned := e.assigned
	e.mu.Unlock()
	sort.Strings(agents)
	return &Context{
		WorkflowID:          e.id,
		CreatedAt:           e.createdAt,
		LastAccessAt:        time.Unix(0, e.lastAccess.Load()),
		AssignedEndpointURL: assigned,
		Agents:              agents,
		RequestCount:        e.requestCount.Load(),
		CacheHitCount:       e.cacheHitCount.Load(),
		TotalTokens:         e.totalTokens.Load(),
	}
}

// EvictionListener is called with the workflow ID of every context that is
// removed, whether by TTL, LRU pressure, or explicit Remove.
type EvictionListener func(workflowID string)

// Manager owns all live workflow contexts. A zero Manager is invalid; use
// NewManager.
type Manager struct {
	clock Clock
	ttl   time.Duration
	max   int

	m *xsync.MapOf[string, *entry]

	mu        sync.Mutex
	listeners []EvictionListener
}

func NewManager(clock Clock, ttl time.Duration, maxWorkflows int) *Manager {
	return &Manager{
		clock: clock,
		ttl:   ttl,
		max:   maxWorkflows,
		m:     xsync.NewMapOf[string, *entry](),
	}
}

func (mgr *Manager) AddEvictionListener(l EvictionListener) {
	mgr.mu.Lock()
	mgr.listeners = append(mgr.listeners, l)
	mgr.mu.Unlock()
}

func (mgr *Manager) notifyEvicted(workflowID string) {
	mgr.mu.Lock()
	ls := mgr.listeners
	mgr.mu.Unlock()
	for _, l := range ls {
		l(workflowID)
	}
}

func (mgr *Manager) expired(e *entry, now time.Time) bool {
	return now.Sub(time.Unix(0, e.lastAccess.Load())) > mgr.ttl
}

// GetOrCreate returns the context for workflowID, creating it when absent,
// and touches last-access. agentID, when non-empty, is added to the
// workflow's agent set.
func (mgr *Manager) GetOrCreate(workflowID, agentID string) *Context {
	now := mgr.clock.Now()
	e, _ := mgr.m.Compute(workflowID, func(old *entry, loaded bool) (*entry, bool) {
		if loaded && !mgr.expired(old, now) {
			return old, false
		}
		ne := &entry{
			id:        workflowID,
			createdAt: now,
			agents:    map[string]struct{}{},
		}
		ne.lastAccess.Store(now.UnixNano())
		return ne, false
	})
	e.lastAccess.Store(now.UnixNano())
	if agentID != "" {
		e.mu.Lock()
		e.agents[agentID] = struct{}{}
		e.mu.Unlock()
	}
	return e.snapshot()
}

// Touch updates last-access (and the agent set) without creating a context.
func (mgr *Manager) Touch(workflowID, agentID string) {
	if e, ok := mgr.m.Load(workflowID); ok {
		e.lastAccess.Store(mgr.clock.Now().UnixNano())
		if agentID != "" {
			e.mu.Lock()
			e.agents[agentID] = struct{}{}
			e.mu.Unlock()
		}
	}
}

// Get returns the context for workflowID, or false when it does not exist
// or its TTL has lapsed (even if the sweeper hasn't run yet).
func (mgr *Manager) Get(workflowID string) (*Context, bool) {
	e, ok := mgr.m.Load(workflowID)
	if !ok || mgr.expired(e, mgr.clock.Now()) {
		return nil, false
	}
	return e.snapshot(), true
}

// Agents returns the current agent set of workflowID.
func (mgr *Manager) Agents(workflowID string) []string {
	if c, ok := mgr.Get(workflowID); ok {
		return c.Agents
	}
	return nil
}

// AssignIfAbsent atomically binds workflowID to url when no binding exists,
// and returns the effective binding. This is the only place a binding is
// established; valid reports whether a URL is still registered, and a stale
// binding observed here is cleared before the new one is considered.
func (mgr *Manager) AssignIfAbsent(workflowID, url string, valid func(string) bool) string {
	e, ok := mgr.m.Load(workflowID)
	if !ok {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.assigned != "" && valid != nil && !valid(e.assigned) {
		e.assigned = ""
	}
	if e.assigned == "" && url != "" {
		e.assigned = url
	}
	return e.assigned
}

// Binding returns the currently bound URL ("" when unbound), clearing it
// first when valid says the bound endpoint is gone.
func (mgr *Manager) Binding(workflowID string, valid func(string) bool) string {
	e, ok := mgr.m.Load(workflowID)
	if !ok {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.assigned != "" && valid != nil && !valid(e.assigned) {
		e.assigned = ""
	}
	return e.assigned
}

// BoundCount returns the number of workflows currently bound to url.
func (mgr *Manager) BoundCount(url string) int {
	n := 0
	mgr.m.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if e.assigned == url {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// Unbind clears the binding of every workflow bound to url. Wired as a
// registry removal listener; affected workflows re-bind on their next
// request.
func (mgr *Manager) Unbind(url string) {
	mgr.m.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		if e.assigned == url {
			e.assigned = ""
		}
		e.mu.Unlock()
		return true
	})
}

// OnRequestComplete updates the workflow counters after a request finishes.
// Completions that land after the context expired are silently dropped.
func (mgr *Manager) OnRequestComplete(workflowID string, success bool, tokens int64, cacheHit bool) {
	e, ok := mgr.m.Load(workflowID)
	if !ok {
		return
	}
	e.requestCount.Add(1)
	if success {
		e.totalTokens.Add(tokens)
	}
	if cacheHit {
		e.cacheHitCount.Add(1)
	}
}

// Remove destroys the context explicitly and notifies eviction listeners.
func (mgr *Manager) Remove(workflowID string) bool {
	if _, ok := mgr.m.LoadAndDelete(workflowID); ok {
		mgr.notifyEvicted(workflowID)
		return true
	}
	return false
}

// List returns snapshots of all live contexts, sorted by workflow ID.
func (mgr *Manager) List() []*Context {
	now := mgr.clock.Now()
	var out []*Context
	mgr.m.Range(func(_ string, e *entry) bool {
		if !mgr.expired(e, now) {
			out = append(out, e.snapshot())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

func (mgr *Manager) Count() int {
	return mgr.m.Size()
}

// Expire prunes contexts whose TTL lapsed, then drops LRU contexts beyond
// the max-workflows limit. In-flight requests are unaffected; only the
// mapping disappears.
func (mgr *Manager) Expire(ctx context.Context, now time.Time) {
	mgr.m.Range(func(id string, e *entry) bool {
		if mgr.expired(e, now) {
			if _, ok := mgr.m.LoadAndDelete(id); ok {
				dlog.Debugf(ctx, "workflow %s expired (ttl)", id)
				mgr.notifyEvicted(id)
			}
		}
		return true
	})

	over := mgr.m.Size() - mgr.max
	if over <= 0 {
		return
	}
	type cand struct {
		id   string
		last int64
	}
	cands := make([]cand, 0, mgr.m.Size())
	mgr.m.Range(func(id string, e *entry) bool {
		cands = append(cands, cand{id: id, last: e.lastAccess.Load()})
		return true
	})
	sort.Slice(cands, func(i, j int) bool { return cands[i].last < cands[j].last })
	for i := 0; i < over && i < len(cands); i++ {
		if _, ok := mgr.m.LoadAndDelete(cands[i].id); ok {
			dlog.Debugf(ctx, "workflow %s evicted (lru)", cands[i].id)
			mgr.notifyEvicted(cands[i].id)
		}
	}
}

// Run sweeps expired contexts once a second until the context is done.
func (mgr *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			mgr.Expire(ctx, mgr.clock.Now())
		case <-ctx.Done():
			return nil
		}
	}
}
