package watchdog

import (
	"sync/atomic"
	"testing"
	"time"
)

type constantQuerier struct {
	out string
}

func (c *constantQuerier) Query(_ string, _ time.Duration, _ bool) (string, error) {
	return c.out, nil
}

func TestStopIsIdempotent(t *testing.T) {
	wd := Create("test", &constantQuerier{}, "true", 1, func(string) float64 { return 0 })
	wd.Start()
	wd.Stop()
	wd.Stop() // must not panic or block
}

func TestWatchdogFiresReactionOnPoll(t *testing.T) {
	var fired int32
	wd := Create("used_space", &constantQuerier{out: "total 100 used 96"}, "df", 0, func(string) float64 { return 0.96 })
	wd.AddAlarm("default", GreaterThan(0.95))
	wd.OnAlarm("default", func() { atomic.AddInt32(&fired, 1) })

	wd.interval = 10 * time.Millisecond
	wd.Start()
	defer wd.Stop()

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&fired) > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected reaction to fire within deadline")
}

func TestUsedSpaceTransformS6(t *testing.T) {
	// Scenario S6: df reports total=100, used=96; predicate > 0.95 fires.
	out := "Filesystem     1K-blocks   Used Available Use% Mounted on\n" +
		"/dev/sda1            100     96         4  96% /\n"
	state := UsedSpaceTransform(out)
	if !GreaterThan(0.95)(state) {
		t.Fatalf("expected used_space ratio > 0.95, got %v", state)
	}
}

func TestSystemLoadTransformParsesFifteenMinute(t *testing.T) {
	out := " 10:00:00 up 1 day,  2:03,  1 user,  load average: 1.00, 2.00, 11.50"
	if v := SystemLoadTransform(out); v != 11.50 {
		t.Fatalf("expected 15-minute load 11.50, got %v", v)
	}
}

func TestUtilizedMemoryTransformRatio(t *testing.T) {
	out := "              total        used        free\n" +
		"Mem:           8000        4000        4000\n" +
		"Swap:          2000         500        1500\n"
	if v := UtilizedMemoryTransform(out); v != 0.25 {
		t.Fatalf("expected swap ratio 0.25, got %v", v)
	}
}

func TestGroupAddRespectsCap(t *testing.T) {
	g := &Group{lim: newLimiter(2)}

	wd1 := Create("a", &constantQuerier{}, "true", 60, func(string) float64 { return 0 })
	wd2 := Create("b", &constantQuerier{}, "true", 60, func(string) float64 { return 0 })
	wd3 := Create("c", &constantQuerier{}, "true", 60, func(string) float64 { return 0 })

	if !g.Add(wd1) || !g.Add(wd2) {
		t.Fatal("expected first two Adds to succeed under cap of 2")
	}
	if g.Add(wd3) {
		t.Fatal("expected third Add to fail once cap is exhausted")
	}
	g.StopAll()
}

func TestGroupStopAllIsIdempotent(t *testing.T) {
	g := NewGroup()
	wd := Create("a", &constantQuerier{}, "true", 60, func(string) float64 { return 0 })
	g.Add(wd)
	g.StopAll()
	g.StopAll()
}
