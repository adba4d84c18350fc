// Package watchdog implements C6: a named, periodic remote probe with a
// scalar-state transform and alarm/reaction hooks, supervising a Migration
// Engine transfer (spec.md section 4.5).
//
// The cooperative polling loop with an atomic running guard and idempotent
// stop is grounded on the teacher's internal/daemon driftScanner (periodic
// scan with a running int32 guard, sync.Mutex over lastScanTime); the
// concurrency-limiting pattern for how many watchdogs a single migration may
// run at once is adapted from internal/l2planner.BudgetTracker's semaphore.
package watchdog

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wuest/cloudflock/internal/config"
)

// maxPerMigration bounds the number of concurrently running watchdogs a
// single migration may start (spec.md section 5: "N watchdog tasks, N <= 5
// per migration").
const maxPerMigration = 5

// Querier is the minimal session surface a watchdog polls over.
type Querier interface {
	Query(command string, timeout time.Duration, recoverable bool) (string, error)
}

// Transform reduces a probe command's raw output to a single scalar state.
type Transform func(output string) float64

// Predicate evaluates a scalar state, returning true when an alarm fires.
type Predicate func(state float64) bool

// Reaction runs inline, at each poll, for every alarm whose Predicate is
// currently true.
type Reaction func()

// Watchdog polls command over a Querier every interval, derives a scalar
// state via Transform, and invokes the Reaction of any Alarm whose
// Predicate matches that state.
type Watchdog struct {
	Name     string
	session  Querier
	command  string
	interval time.Duration
	transform Transform

	mu         sync.Mutex
	alarmNames []string
	predicates map[string]Predicate
	reactions  map[string]Reaction

	state   atomic.Value // float64
	running int32
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Create builds a new Watchdog. It does not start polling until Start is
// called (spec.md 4.5: create / addAlarm / onAlarm are distinct steps from
// starting the poll loop).
func Create(name string, session Querier, command string, intervalSeconds int, transform Transform) *Watchdog {
	w := &Watchdog{
		Name:      name,
		session:   session,
		command:   command,
		interval:  time.Duration(intervalSeconds) * time.Second,
		transform: transform,
		predicates: make(map[string]Predicate),
		reactions:  make(map[string]Reaction),
	}
	w.state.Store(0.0)
	return w
}

// AddAlarm registers a named predicate over the watchdog's scalar state.
func (w *Watchdog) AddAlarm(name string, predicate Predicate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.predicates[name]; !exists {
		w.alarmNames = append(w.alarmNames, name)
	}
	w.predicates[name] = predicate
}

// OnAlarm registers the reaction invoked at each poll while name's
// predicate evaluates true.
func (w *Watchdog) OnAlarm(name string, reaction Reaction) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reactions[name] = reaction
}

// Start begins the cooperative poll loop. Calling Start on an
// already-running Watchdog is a no-op.
func (w *Watchdog) Start() {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.loop()
}

func (w *Watchdog) loop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watchdog) poll() {
	out, err := w.session.Query(w.command, config.Timeouts.Probe, true)
	if err != nil {
		return
	}
	state := w.transform(out)
	w.state.Store(state)

	w.mu.Lock()
	names := append([]string(nil), w.alarmNames...)
	w.mu.Unlock()

	for _, name := range names {
		w.mu.Lock()
		pred, hasPred := w.predicates[name]
		reaction, hasReaction := w.reactions[name]
		w.mu.Unlock()
		if hasPred && hasReaction && pred(state) {
			reaction()
		}
	}
}

// Triggered returns the names of alarms currently evaluating true against
// the last-observed state.
func (w *Watchdog) Triggered() []string {
	state, _ := w.state.Load().(float64)
	w.mu.Lock()
	defer w.mu.Unlock()
	var names []string
	for _, name := range w.alarmNames {
		if pred, ok := w.predicates[name]; ok && pred(state) {
			names = append(names, name)
		}
	}
	return names
}

// Stop halts the poll loop and drops the Session reference without closing
// it (the Watchdog borrows, never owns, its Session -- spec.md
// "Ownership"). Stop is idempotent.
func (w *Watchdog) Stop() {
	if !atomic.CompareAndSwapInt32(&w.running, 1, 0) {
		return
	}
	close(w.stopCh)
	<-w.doneCh
	w.session = nil
}

// limiter bounds how many Watchdogs one migration may run concurrently,
// grounded on l2planner.BudgetTracker's channel-based semaphore.
type limiter struct {
	sem chan struct{}
}

func newLimiter(max int) *limiter {
	if max <= 0 {
		max = maxPerMigration
	}
	return &limiter{sem: make(chan struct{}, max)}
}

func (l *limiter) acquire() (func(), bool) {
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, true
	default:
		return nil, false
	}
}

// Group manages the set of watchdogs for one migration run, enforcing the
// per-migration concurrency cap and providing a single StopAll for
// teardown (spec.md 4.6 step 8).
type Group struct {
	lim      *limiter
	mu       sync.Mutex
	docs     []*Watchdog
	releases []func()
}

// NewGroup creates an empty Group capped at maxPerMigration watchdogs.
func NewGroup() *Group {
	return &Group{lim: newLimiter(maxPerMigration)}
}

// Add starts wd under the Group's concurrency cap. Returns false if the
// cap is already exhausted; the caller must then not treat wd as running.
func (g *Group) Add(wd *Watchdog) bool {
	release, ok := g.lim.acquire()
	if !ok {
		return false
	}
	wd.Start()
	g.mu.Lock()
	g.docs = append(g.docs, wd)
	g.releases = append(g.releases, release)
	g.mu.Unlock()
	return true
}

// StopAll stops every watchdog in the group and releases its concurrency
// slot. Idempotent: calling StopAll twice has the same effect as calling
// it once.
func (g *Group) StopAll() {
	g.mu.Lock()
	docs := append([]*Watchdog(nil), g.docs...)
	releases := append([]func(){}, g.releases...)
	g.docs = nil
	g.releases = nil
	g.mu.Unlock()
	for _, wd := range docs {
		wd.Stop()
	}
	for _, release := range releases {
		release()
	}
}

// AnyTriggered reports whether any watchdog in the group currently has a
// triggered alarm (spec.md 4.6 step 5: "block until none are triggered").
func (g *Group) AnyTriggered() []string {
	g.mu.Lock()
	docs := append([]*Watchdog(nil), g.docs...)
	g.mu.Unlock()
	var all []string
	for _, wd := range docs {
		for _, name := range wd.Triggered() {
			all = append(all, wd.Name+"/"+name)
		}
	}
	return all
}

// --- Canonical watchdogs (spec.md 4.5) ---

// UsedSpaceTransform parses `df` output, reporting used/total across
// mounted rows (spec.md: "used_space: polls df, reports used/total across
// mounted rows").
func UsedSpaceTransform(output string) float64 {
	var totalKiB, usedKiB int64
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		if !strings.HasPrefix(fields[0], "/dev") {
			continue
		}
		t, err1 := strconv.ParseInt(fields[1], 10, 64)
		u, err2 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		totalKiB += t
		usedKiB += u
	}
	if totalKiB == 0 {
		return 0
	}
	return float64(usedKiB) / float64(totalKiB)
}

// SystemLoadTransform parses `uptime` output for the 15-minute load average
// (spec.md: "system_load: polls uptime, parses the 15-minute load average").
func SystemLoadTransform(output string) float64 {
	idx := strings.Index(output, "load average:")
	if idx < 0 {
		return 0
	}
	parts := strings.Split(output[idx+len("load average:"):], ",")
	if len(parts) < 3 {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return 0
	}
	return v
}

// UtilizedMemoryTransform parses `free` output, reporting
// swap_used/swap_total (spec.md: "utilized_memory: polls free, reports
// swap_used/swap_total as a ratio").
func UtilizedMemoryTransform(output string) float64 {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != "Swap:" {
			continue
		}
		total, err1 := strconv.ParseFloat(fields[1], 64)
		used, err2 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || total == 0 {
			continue
		}
		return used / total
	}
	return 0
}

// GreaterThan builds a Predicate that fires when state exceeds threshold,
// matching the defaults in spec.md 4.5 (used_space > 0.95, system_load > 10,
// utilized_memory > 0.25).
func GreaterThan(threshold float64) Predicate {
	return func(state float64) bool { return state > threshold }
}

const (
	// DefaultUsedSpaceThreshold is the default used_space alarm.
	DefaultUsedSpaceThreshold = 0.95
	// DefaultSystemLoadThreshold is the default system_load alarm.
	DefaultSystemLoadThreshold = 10
	// DefaultUtilizedMemoryThreshold is the default utilized_memory alarm.
	DefaultUtilizedMemoryThreshold = 0.25
)

// NewUsedSpaceWatchdog builds the canonical used_space watchdog with its
// default alarm wired to reaction.
func NewUsedSpaceWatchdog(session Querier, pollSeconds int, reaction Reaction) *Watchdog {
	wd := Create("used_space", session, "df -k", pollSeconds, UsedSpaceTransform)
	wd.AddAlarm("default", GreaterThan(DefaultUsedSpaceThreshold))
	wd.OnAlarm("default", reaction)
	return wd
}

// NewSystemLoadWatchdog builds the canonical system_load watchdog with its
// default alarm wired to reaction.
func NewSystemLoadWatchdog(session Querier, pollSeconds int, reaction Reaction) *Watchdog {
	wd := Create("system_load", session, "uptime", pollSeconds, SystemLoadTransform)
	wd.AddAlarm("default", GreaterThan(DefaultSystemLoadThreshold))
	wd.OnAlarm("default", reaction)
	return wd
}

// NewUtilizedMemoryWatchdog builds the canonical utilized_memory watchdog
// with its default alarm wired to reaction.
func NewUtilizedMemoryWatchdog(session Querier, pollSeconds int, reaction Reaction) *Watchdog {
	wd := Create("utilized_memory", session, "free -k", pollSeconds, UtilizedMemoryTransform)
	wd.AddAlarm("default", GreaterThan(DefaultUtilizedMemoryThreshold))
	wd.OnAlarm("default", reaction)
	return wd
}
