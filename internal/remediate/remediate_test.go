package remediate

import (
	"strings"
	"testing"
	"time"

	"github.com/wuest/cloudflock/internal/profiler"
)

func profileWith(public, private []string) profiler.Profile {
	var entries []profiler.Entry
	for _, ip := range public {
		entries = append(entries, profiler.Entry{Name: "public_ip", Value: ip})
	}
	for _, ip := range private {
		entries = append(entries, profiler.Entry{Name: "private_ip", Value: ip})
	}
	return profiler.Profile{Sections: []profiler.Section{{Name: "Network", Entries: entries}}}
}

func TestBuildPlanOrdersPublicBeforePrivate(t *testing.T) {
	source := profileWith([]string{"203.0.113.5"}, []string{"10.0.0.5"})
	dest := profileWith([]string{"198.51.100.9"}, []string{"10.0.0.9"})

	plan, err := BuildPlan(source, dest, nil, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.Replacements) != 2 {
		t.Fatalf("expected 2 replacements, got %d", len(plan.Replacements))
	}
	if plan.Replacements[0].Source != "203.0.113.5" {
		t.Fatalf("expected public address first, got %+v", plan.Replacements[0])
	}
	if plan.Replacements[1].Source != "10.0.0.5" {
		t.Fatalf("expected private address second, got %+v", plan.Replacements[1])
	}
}

func TestBuildPlanPrefersMatchingRFC1918ness(t *testing.T) {
	source := profileWith(nil, []string{"10.0.0.5"})
	dest := profileWith([]string{"198.51.100.9"}, []string{"10.0.0.200"})

	plan, err := BuildPlan(source, dest, nil, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Replacements[0].Destination != "10.0.0.200" {
		t.Fatalf("expected private-to-private match, got %+v", plan.Replacements[0])
	}
}

func TestBuildPlanFallsBackToFirstDestinationAddress(t *testing.T) {
	source := profileWith([]string{"203.0.113.5"}, nil)
	dest := profileWith(nil, []string{"10.0.0.200"})

	plan, err := BuildPlan(source, dest, nil, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Replacements[0].Destination != "10.0.0.200" {
		t.Fatalf("expected fallback to only available destination address, got %+v", plan.Replacements[0])
	}
}

func TestBuildPlanDefaultsTargetDirToEtc(t *testing.T) {
	source := profileWith([]string{"203.0.113.5"}, nil)
	dest := profileWith([]string{"198.51.100.9"}, nil)

	plan, err := BuildPlan(source, dest, nil, nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if len(plan.TargetDirs) != 1 || plan.TargetDirs[0] != "/etc" {
		t.Fatalf("expected default target dir [/etc], got %v", plan.TargetDirs)
	}
}

func TestBuildPlanHonorsOperatorOverrides(t *testing.T) {
	source := profileWith([]string{"203.0.113.5"}, nil)
	dest := profileWith([]string{"198.51.100.9"}, nil)

	plan, err := BuildPlan(source, dest, []string{"192.0.2.1"}, []string{"/etc", "/opt/app/conf"})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.Replacements[0].Source != "192.0.2.1" {
		t.Fatalf("expected overridden source IP to be used, got %+v", plan.Replacements[0])
	}
	if len(plan.TargetDirs) != 2 {
		t.Fatalf("expected overridden target dir list, got %v", plan.TargetDirs)
	}
}

type fakeSession struct {
	calls []string
}

func (f *fakeSession) AsRoot(command string, _ time.Duration, _ bool) (string, error) {
	f.calls = append(f.calls, command)
	return "", nil
}

func TestRunSweepsEveryTargetDirForEveryReplacement(t *testing.T) {
	s := &fakeSession{}
	r := &Runner{Destination: s, Plan: Plan{
		Replacements: []Replacement{{Source: "203.0.113.5", Destination: "198.51.100.9"}},
		TargetDirs:   []string{"/etc", "/opt/app/conf"},
	}}
	errs := r.Run()
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if len(s.calls) != 2 {
		t.Fatalf("expected one sed sweep per target dir, got %d calls", len(s.calls))
	}
	for _, c := range s.calls {
		if !strings.Contains(c, "203.0.113.5") || !strings.Contains(c, "198.51.100.9") {
			t.Fatalf("expected sed command to reference both addresses, got %q", c)
		}
	}
}

func TestRunSkipsNoopReplacement(t *testing.T) {
	s := &fakeSession{}
	r := &Runner{Destination: s, Plan: Plan{
		Replacements: []Replacement{{Source: "10.0.0.5", Destination: "10.0.0.5"}},
		TargetDirs:   []string{"/etc"},
	}}
	r.Run()
	if len(s.calls) != 0 {
		t.Fatalf("expected no sed calls for identical source/destination, got %v", s.calls)
	}
}
