// Package profiler implements the Host Profiler (C3): a fixed collection of
// probes run in order over a single shell.Session, producing a structured
// Profile plus a list of warnings (spec.md section 4.3).
//
// Each probe is a pure function (Querier -> Entry), invoked from a static,
// explicit probe table -- the "discover by method prefix" anti-pattern from
// Design Notes is replaced by this literal slice, grounded on the teacher's
// internal/discovery.ScriptExecutor interface (abstracting the thing that
// runs a script on a target) and internal/daemon/linuxscan.go's pattern of
// running small scripts over SSH and parsing their stdout.
package profiler

import (
	"regexp"
	"time"
)

// Querier is the minimal shell.Session surface a probe needs. Profiling
// never escalates privilege itself (spec.md 4.3 describes read-only
// probes); callers needing root context pass an AsRoot-backed Querier.
type Querier interface {
	Query(command string, timeout time.Duration, recoverable bool) (string, error)
}

// Entry is a name -> free-form value pair (spec.md section 3).
type Entry struct {
	Name  string
	Value string
}

// Section is an ordered list of Entries under a name (spec.md section 3).
type Section struct {
	Name    string
	Entries []Entry
}

// CPE is a structured platform identifier (GLOSSARY).
type CPE struct {
	Part    string
	Vendor  string
	Product string
	Version string
}

// Profile is C3's output: named Sections plus a companion CPE and a list of
// warnings accumulated during profiling (spec.md section 3).
type Profile struct {
	Sections []Section
	CPE      CPE
	Warnings []string
}

// sectionNames, in probe-table order, are always present in a Profile even
// when empty -- "no entry is ever omitted" (spec.md section 3).
var sectionNames = []string{"System", "CPU", "Memory", "Load", "Storage", "Network", "Libraries", "Services"}

// builder accumulates a Profile across the fixed probe table.
type builder struct {
	sections map[string]*Section
	order    []string
	warnings []string
}

func newBuilder() *builder {
	b := &builder{sections: make(map[string]*Section)}
	for _, name := range sectionNames {
		s := &Section{Name: name}
		b.sections[name] = s
		b.order = append(b.order, name)
	}
	return b
}

func (b *builder) add(section, name, value string) {
	s, ok := b.sections[section]
	if !ok {
		s = &Section{Name: section}
		b.sections[section] = s
		b.order = append(b.order, section)
	}
	s.Entries = append(s.Entries, Entry{Name: name, Value: value})
}

func (b *builder) warn(msg string) {
	b.warnings = append(b.warnings, msg)
}

func (b *builder) build(cpe CPE) Profile {
	p := Profile{CPE: cpe, Warnings: b.warnings}
	for _, name := range b.order {
		p.Sections = append(p.Sections, *b.sections[name])
	}
	return p
}

// probe is one named probe function in the fixed table.
type probe struct {
	name string
	fn   func(q Querier, b *builder)
}

// probeTable is run in this exact order so two runs over the same host
// produce byte-identical Profiles modulo transient values (spec.md 4.3).
var probeTable = []probe{
	{"system.hostname", probeHostname},
	{"system.kernel", probeKernel},
	{"cpu", probeCPU},
	{"memory", probeMemory},
	{"memory.swap", probeSwap},
	{"memory.history", probeMemoryHistory},
	{"load", probeLoad},
	{"storage", probeStorage},
	{"network.ip", probeNetworkIP},
	{"libraries", probeLibraries},
	{"services", probeServices},
}

// Run executes every probe in order over q and derives the CPE, returning
// the accumulated Profile (spec.md 4.3). Building is deterministic given
// identical probe outputs (testable property 3).
func Run(q Querier) Profile {
	b := newBuilder()
	for _, p := range probeTable {
		p.fn(q, b)
	}
	cpe := deriveCPE(q, b)
	applyHeuristicWarnings(b)
	return b.build(cpe)
}

// SelectEntries lets downstream components pull numeric fields by regex
// without knowing internal layout (spec.md 4.3).
func (p Profile) SelectEntries(sectionPattern, namePattern string) []string {
	sre, err := regexp.Compile(sectionPattern)
	if err != nil {
		return nil
	}
	nre, err := regexp.Compile(namePattern)
	if err != nil {
		return nil
	}
	var out []string
	for _, s := range p.Sections {
		if !sre.MatchString(s.Name) {
			continue
		}
		for _, e := range s.Entries {
			if nre.MatchString(e.Name) {
				out = append(out, e.Value)
			}
		}
	}
	return out
}
