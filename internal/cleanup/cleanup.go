// Package cleanup implements the Cleanup Runner (C8): executing a
// platformaction.CleanupPlan against a mounted destination root, then
// restoring auxiliary operator users (spec.md section 4.7).
//
// The "write a script to disk, then execute it with a fixed invocation"
// shape mirrors the Migration Engine's own command-building style
// (internal/migration), itself grounded on the teacher's
// internal/daemon/autodeploy.go step-numbered deploy scripts; the
// best-effort "log and continue" phase handling is grounded on the
// teacher's internal/daemon/driftScanner.ForceScan, which collects
// per-check results without aborting the scan on the first failure.
package cleanup

import (
	"fmt"
	"log"
	"time"

	"github.com/wuest/cloudflock/internal/config"
	"github.com/wuest/cloudflock/internal/migerr"
	"github.com/wuest/cloudflock/internal/platformaction"
)

// Session is the subset of shell.Session the runner needs.
type Session interface {
	AsRoot(command string, timeout time.Duration, recoverable bool) (string, error)
}

// auxiliaryUsers are restored from the passwd/shadow backups after cleanup
// if present (spec.md 4.7).
var auxiliaryUsers = []string{"rack", "rackconnect"}

// Runner executes a CleanupPlan against a destination Session (spec.md
// 4.7 input: "destination Session (root), CPE").
type Runner struct {
	Destination Session
	Plan        platformaction.CleanupPlan
}

// StepResult records one phase's outcome for the caller to log or surface;
// cleanup is best-effort (spec.md section 7: "Cleanup step failed: Logged;
// subsequent phases continue").
type StepResult struct {
	Phase string
	Err   error
}

// Run executes the three phases in strict order, all at Timeouts.Cleanup
// (unlimited), and then restores auxiliary users. It never returns early on
// a phase failure; every phase is attempted and every StepResult is
// reported to the caller (spec.md 4.7: "best-effort").
func (r *Runner) Run() []StepResult {
	var results []StepResult

	results = append(results, r.runPre())
	results = append(results, r.runChroot())
	results = append(results, r.runPost())
	results = append(results, r.restoreAuxiliaryUsers()...)

	return results
}

func (r *Runner) runPre() StepResult {
	script := platformaction.RenderScript(r.Plan.Pre)
	r.checkGuardrails("pre", script)
	path := config.Paths.DataDir + "/pre.sh"
	if err := r.writeScript(path, script); err != nil {
		return StepResult{Phase: "pre", Err: err}
	}
	_, err := r.Destination.AsRoot(fmt.Sprintf("/bin/sh %s", path), config.Timeouts.Cleanup, false)
	return r.logged("pre", err)
}

func (r *Runner) runChroot() StepResult {
	script := platformaction.RenderScript(r.Plan.Chroot)
	r.checkGuardrails("chroot", script)
	// The chroot script lives under the mounted root's own DATA_DIR so it is
	// reachable once `chroot` has pivoted (spec.md 4.7).
	path := config.Paths.MountPoint + config.Paths.DataDir + "/chroot.sh"
	if err := r.writeScript(path, script); err != nil {
		return StepResult{Phase: "chroot", Err: err}
	}
	cmd := fmt.Sprintf("chroot %s /bin/sh -C %s", config.Paths.MountPoint, config.Paths.DataDir+"/chroot.sh")
	_, err := r.Destination.AsRoot(cmd, config.Timeouts.Cleanup, false)
	return r.logged("chroot", err)
}

func (r *Runner) runPost() StepResult {
	script := platformaction.RenderScript(r.Plan.Post)
	r.checkGuardrails("post", script)
	path := config.Paths.DataDir + "/post.sh"
	if err := r.writeScript(path, script); err != nil {
		return StepResult{Phase: "post", Err: err}
	}
	_, err := r.Destination.AsRoot(fmt.Sprintf("/bin/sh %s", path), config.Timeouts.Cleanup, false)
	return r.logged("post", err)
}

func (r *Runner) writeScript(path, script string) error {
	dirCmd := fmt.Sprintf("mkdir -p $(dirname %s)", path)
	if _, err := r.Destination.AsRoot(dirCmd, config.Timeouts.Probe, false); err != nil {
		return migerr.New(migerr.KindCleanupFailed, "cleanup.writeScript", err)
	}
	writeCmd := fmt.Sprintf("cat > %s <<'CLOUDFLOCK_CLEANUP'\n%s\nCLOUDFLOCK_CLEANUP\nchmod +x %s", path, script, path)
	if _, err := r.Destination.AsRoot(writeCmd, config.Timeouts.Probe, false); err != nil {
		return migerr.New(migerr.KindCleanupFailed, "cleanup.writeScript", err)
	}
	return nil
}

// checkGuardrails logs, but never blocks on, destructive-looking patterns in
// a rendered script; the built-in and override layers are trusted, but an
// override directory (spec.md 4.4/4.5) can carry operator-authored
// fragments worth a second look.
func (r *Runner) checkGuardrails(phase, script string) {
	for _, finding := range scanForGuardrailViolations(phase, script) {
		log.Printf("[cleanup] guardrail anomaly: %s", finding)
	}
}

func (r *Runner) logged(phase string, err error) StepResult {
	if err != nil {
		wrapped := migerr.New(migerr.KindCleanupFailed, "cleanup."+phase, err)
		log.Printf("[cleanup] phase %s failed (continuing): %v", phase, wrapped)
		return StepResult{Phase: phase, Err: wrapped}
	}
	return StepResult{Phase: phase}
}

// restoreAuxiliaryUsers restores rack/rackconnect from the passwd/shadow
// backups if present, chowns their home directory, and grants passwordless
// sudo (spec.md 4.7).
func (r *Runner) restoreAuxiliaryUsers() []StepResult {
	var results []StepResult
	for _, user := range auxiliaryUsers {
		results = append(results, r.restoreUser(user))
	}
	return results
}

func (r *Runner) restoreUser(user string) StepResult {
	phase := "restore_user:" + user
	backupPasswd := config.Paths.MountPoint + "/etc/passwd.migration"
	backupShadow := config.Paths.MountPoint + "/etc/shadow.migration"

	checkCmd := fmt.Sprintf("grep -q '^%s:' %s 2>/dev/null && echo present || echo absent", user, backupPasswd)
	out, err := r.Destination.AsRoot(checkCmd, config.Timeouts.Probe, true)
	if err != nil {
		return r.logged(phase, err)
	}
	if out != "present" && !containsPresent(out) {
		return StepResult{Phase: phase}
	}

	// chroot useradd so the user/shadow entries land inside the migrated
	// root, then copy across the original password hash.
	restoreCmd := fmt.Sprintf(
		"chroot %s useradd -m %s 2>/dev/null; "+
			"hash=$(grep '^%s:' %s | cut -d: -f2); "+
			"sed -i \"s#^%s:[^:]*:#%s:$hash:#\" %s/etc/shadow; "+
			"chroot %s chown -R %s:%s /home/%s",
		config.Paths.MountPoint, user,
		user, backupShadow,
		user, user, config.Paths.MountPoint,
		config.Paths.MountPoint, user, user, user,
	)
	if _, err := r.Destination.AsRoot(restoreCmd, config.Timeouts.Probe, false); err != nil {
		return r.logged(phase, err)
	}

	sudoersCmd := fmt.Sprintf(
		"echo '%s ALL=(ALL) NOPASSWD:ALL' > %s/etc/sudoers.d/%s && chmod 0440 %s/etc/sudoers.d/%s",
		user, config.Paths.MountPoint, user, config.Paths.MountPoint, user,
	)
	_, err = r.Destination.AsRoot(sudoersCmd, config.Timeouts.Probe, false)
	return r.logged(phase, err)
}

func containsPresent(s string) bool {
	for i := 0; i+len("present") <= len(s); i++ {
		if s[i:i+len("present")] == "present" {
			return true
		}
	}
	return false
}
