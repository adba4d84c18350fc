// Package remediate implements the IP Remediator (C9): rewriting references
// to source IPv4 addresses inside destination configuration files once a
// migration has completed (spec.md section 4.8).
//
// The "derive a plan, then apply it with a single shell pipeline per
// target" shape and the profile-derived default list with an
// operator-override escape hatch are both grounded on the platformaction
// package's layered build-then-render pattern (internal/platformaction).
package remediate

import (
	"fmt"
	"strings"
	"time"

	"github.com/wuest/cloudflock/internal/config"
	"github.com/wuest/cloudflock/internal/migerr"
	"github.com/wuest/cloudflock/internal/profiler"
)

// Session is the subset of shell.Session the remediator needs.
type Session interface {
	AsRoot(command string, timeout time.Duration, recoverable bool) (string, error)
}

// DefaultTargetDirectories is the scan root used when the operator supplies
// none (spec.md 4.8: "default {/etc}").
var DefaultTargetDirectories = []string{"/etc"}

// Replacement pairs one source IPv4 address with the destination address
// that should replace it.
type Replacement struct {
	Source      string
	Destination string
}

// Plan is the ordered, fully-resolved remediation the Remediator executes:
// address pairs and the directories to sweep.
type Plan struct {
	Replacements []Replacement
	TargetDirs   []string
}

// BuildPlan pairs each source IPv4 (public addresses first, then private --
// spec.md 4.8 "public + private, in that order") with a destination
// replacement: prefer a destination address with matching RFC1918-ness,
// else the first destination address. overrideSourceIPs and
// overrideTargetDirs, when non-nil, replace the profile-derived defaults
// (spec.md 4.8: "operator can override the IP list and target-directory
// list").
func BuildPlan(source, destination profiler.Profile, overrideSourceIPs, overrideTargetDirs []string) (Plan, error) {
	sourceIPs := overrideSourceIPs
	if sourceIPs == nil {
		sourceIPs = orderedAddresses(source)
	}
	destIPs := orderedAddresses(destination)
	if len(destIPs) == 0 {
		return Plan{}, migerr.Newf(migerr.KindPlatformUnresolved, "remediate.BuildPlan", "destination profile has no IPv4 addresses")
	}

	targetDirs := overrideTargetDirs
	if targetDirs == nil {
		targetDirs = DefaultTargetDirectories
	}

	var replacements []Replacement
	for _, src := range sourceIPs {
		dst := pickReplacement(src, destIPs)
		replacements = append(replacements, Replacement{Source: src, Destination: dst})
	}

	return Plan{Replacements: replacements, TargetDirs: targetDirs}, nil
}

// orderedAddresses returns public addresses first, then private, matching
// probeNetworkIP's section entries (spec.md 4.8: "public + private, in that
// order").
func orderedAddresses(p profiler.Profile) []string {
	addrs := p.SelectEntries("Network", "^public_ip$")
	addrs = append(addrs, p.SelectEntries("Network", "^private_ip$")...)
	return addrs
}

func pickReplacement(src string, destIPs []string) string {
	srcPrivate := isRFC1918(src)
	for _, dst := range destIPs {
		if isRFC1918(dst) == srcPrivate {
			return dst
		}
	}
	return destIPs[0]
}

var rfc1918Prefixes = []string{"10.", "192.168.",
	"172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.",
	"172.22.", "172.23.", "172.24.", "172.25.", "172.26.", "172.27.",
	"172.28.", "172.29.", "172.30.", "172.31."}

func isRFC1918(ip string) bool {
	for _, prefix := range rfc1918Prefixes {
		if strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	return false
}

// Runner applies a Plan's replacements against a destination Session. It is
// best-effort: a failing sed sweep is logged via the returned error slice,
// never aborts the remaining replacements (spec.md 4.9: "Remediate is
// best-effort; failures logged, not fatal").
type Runner struct {
	Destination Session
	Plan        Plan
}

// Run applies every replacement across every target directory and returns
// one error per failed (replacement, directory) pair; a nil slice means
// every sweep succeeded.
func (r *Runner) Run() []error {
	var errs []error
	for _, repl := range r.Plan.Replacements {
		if repl.Source == repl.Destination {
			continue
		}
		for _, dir := range r.Plan.TargetDirs {
			if err := r.applyOne(repl, dir); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

func (r *Runner) applyOne(repl Replacement, dir string) error {
	root := config.Paths.MountPoint + dir
	cmd := fmt.Sprintf(
		`find %s -type f -exec sed -i 's/%s/%s/g' {} \;`,
		root, escapeForSed(repl.Source), escapeForSed(repl.Destination),
	)
	_, err := r.Destination.AsRoot(cmd, config.Timeouts.Cleanup, false)
	if err != nil {
		return migerr.New(migerr.KindCleanupFailed, "remediate.applyOne", err)
	}
	return nil
}

// escapeForSed escapes characters meaningful to sed's s/// delimiter; IPv4
// addresses never contain '/', but this guards the replacement value too.
func escapeForSed(s string) string {
	return strings.ReplaceAll(s, "/", `\/`)
}
