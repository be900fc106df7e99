// ABOUTME: In-memory runtime counters per connected agent (running/completed/idle).
// ABOUTME: Per-key updates interleave freely; counters use compare-and-swap-equivalent semantics.

package agentstatus

import (
	"sync"
	"sync/atomic"
	"time"
)

// counters holds one agent's live runtime state. Fields are updated via
// sync/atomic so concurrent status_report/task_result handling never races.
type counters struct {
	running      atomic.Int64
	completed    atomic.Int64
	currentTask  atomic.Value // string
	idleSinceUTC atomic.Int64 // unix nanos; 0 means not idle
}

// Snapshot is a point-in-time read of one agent's counters.
type Snapshot struct {
	AgentName      string
	RunningTasks   int64
	CompletedCount int64
	CurrentTaskID  string
	IdleSince      *time.Time
}

// Cache is a concurrent map of per-agent counters, keyed by agent name.
// Entries are created lazily on first touch and never removed on
// disconnect, so historical completed counts survive reconnects.
type Cache struct {
	mu   sync.RWMutex
	byAgent map[string]*counters
}

// New constructs an empty agent-status cache.
func New() *Cache {
	return &Cache{byAgent: make(map[string]*counters)}
}

func (c *Cache) entry(agentName string) *counters {
	c.mu.RLock()
	e, ok := c.byAgent[agentName]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byAgent[agentName]; ok {
		return e
	}
	e = &counters{}
	c.byAgent[agentName] = e
	return e
}

// TaskStarted increments the running-task counter and records the current
// task id.
func (c *Cache) TaskStarted(agentName, taskID string) {
	e := c.entry(agentName)
	e.running.Add(1)
	e.currentTask.Store(taskID)
	e.idleSinceUTC.Store(0)
}

// TaskFinished decrements the running-task counter and bumps the completed
// count. When no tasks remain running, the agent is marked idle as of now.
func (c *Cache) TaskFinished(agentName string) {
	e := c.entry(agentName)
	if e.running.Add(-1) <= 0 {
		e.running.Store(0)
		e.idleSinceUTC.Store(time.Now().UTC().UnixNano())
		e.currentTask.Store("")
	}
	e.completed.Add(1)
}

// ApplyStatusReport overwrites an agent's running-task count and current
// task id from a status_report frame.
func (c *Cache) ApplyStatusReport(agentName string, runningTasks int64, currentTaskID string, idleSince *time.Time) {
	e := c.entry(agentName)
	e.running.Store(runningTasks)
	e.currentTask.Store(currentTaskID)
	if idleSince != nil {
		e.idleSinceUTC.Store(idleSince.UTC().UnixNano())
	} else {
		e.idleSinceUTC.Store(0)
	}
}

// Snapshot reads the current counters for agentName.
func (c *Cache) Snapshot(agentName string) Snapshot {
	e := c.entry(agentName)
	s := Snapshot{
		AgentName:      agentName,
		RunningTasks:   e.running.Load(),
		CompletedCount: e.completed.Load(),
	}
	if v, ok := e.currentTask.Load().(string); ok {
		s.CurrentTaskID = v
	}
	if ns := e.idleSinceUTC.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.IdleSince = &t
	}
	return s
}

// Reset clears an agent's counters, used when a credential is revoked.
func (c *Cache) Reset(agentName string) {
	c.mu.Lock()
	delete(c.byAgent, agentName)
	c.mu.Unlock()
}
