// Package migration implements the Migration Engine (C7): the two-phase
// filesystem sync protocol run between a source and destination Session,
// under Watchdog supervision (spec.md section 4.6).
//
// The step-by-step "prepare both ends, then run a worker task under health
// supervision, retry/cancel on alarm" shape is grounded on the teacher's
// internal/daemon/autodeploy.go (runAutoDeployOnce's enumerate -> check ->
// deploy-with-fallback pipeline, and its per-step logging/verification
// style), re-aimed at rsync instead of WinRM agent deployment.
package migration

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wuest/cloudflock/internal/catalog"
	"github.com/wuest/cloudflock/internal/config"
	"github.com/wuest/cloudflock/internal/keypair"
	"github.com/wuest/cloudflock/internal/migerr"
	"github.com/wuest/cloudflock/internal/platformaction"
	"github.com/wuest/cloudflock/internal/profiler"
	"github.com/wuest/cloudflock/internal/watchdog"
)

// Session is the subset of shell.Session the engine drives. Kept as an
// interface so tests can substitute a fake PTY transcript.
type Session interface {
	Query(command string, timeout time.Duration, recoverable bool) (string, error)
	AsRoot(command string, timeout time.Duration, recoverable bool) (string, error)
	Hostname() string
}

// maxRsyncRetries bounds timeout retries for a single rsync pass
// (spec.md section 7: "rsync-timeout <= 3").
const maxRsyncRetries = 3

// Engine runs one migration's transfer protocol between two already-open,
// already-root Sessions (spec.md 4.6 pre-conditions).
type Engine struct {
	Source      Session
	Destination Session
	Profile     profiler.Profile
	Exclusions  platformaction.ExclusionList
}

// Result records what the engine observed for the Orchestrator/Cleanup
// Runner to consult.
type Result struct {
	PassesCompleted int
	TargetAddr      string
}

// Run executes the full protocol (spec.md 4.6 steps 1-8). It restarts from
// the health-check gate (step 5) whenever a watchdog alarm cancels the
// in-flight pass (step 7), up to maxRsyncRetries restarts.
func (e *Engine) Run() (Result, error) {
	pub, err := e.provisionKeypair()
	if err != nil {
		return Result{}, err
	}
	if err := e.prepareDestination(pub); err != nil {
		return Result{}, err
	}
	if err := e.prepareSource(); err != nil {
		return Result{}, err
	}
	targetAddr, err := e.selectTargetAddress()
	if err != nil {
		return Result{}, err
	}

	var passesCompleted int
	for attempt := 0; attempt <= maxRsyncRetries; attempt++ {
		var cancelled atomic.Bool
		group := e.startWatchdogs(&cancelled)
		if err := waitForHealthy(group); err != nil {
			group.StopAll()
			return Result{PassesCompleted: passesCompleted}, err
		}

		done, err := e.runTwoPasses(targetAddr, &cancelled)
		group.StopAll()
		if err == nil {
			return Result{PassesCompleted: done, TargetAddr: targetAddr}, nil
		}
		passesCompleted = done
		if !isWatchdogAlarm(err) {
			return Result{PassesCompleted: passesCompleted, TargetAddr: targetAddr}, err
		}
		log.Printf("[migration] watchdog alarm cancelled transfer, restarting from health-check gate (attempt %d/%d)", attempt+1, maxRsyncRetries)
	}
	return Result{PassesCompleted: passesCompleted, TargetAddr: targetAddr}, migerr.Newf(migerr.KindRsyncFailed, "migration.Run", "exhausted %d restarts after repeated watchdog alarms", maxRsyncRetries)
}

func isWatchdogAlarm(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), string(migerr.KindWatchdogAlarm))
}

// provisionKeypair implements step 1: create DATA_DIR on source, generate
// (or load) the migration keypair, return its public key line.
func (e *Engine) provisionKeypair() (string, error) {
	if _, err := e.Source.AsRoot(fmt.Sprintf("mkdir -p %s", config.Paths.DataDir), config.Timeouts.Probe, false); err != nil {
		return "", migerr.New(migerr.KindDeadlineExceeded, "migration.provisionKeypair", err)
	}

	out, err := e.Source.AsRoot(fmt.Sprintf(
		"test -f %s || ssh-keygen -t rsa -b 4096 -f %s -N '' -q; cat %s",
		config.Paths.PrivateKey, config.Paths.PrivateKey, config.Paths.PublicKey,
	), config.Timeouts.KeypairGen, false)
	if err != nil {
		return "", migerr.New(migerr.KindDeadlineExceeded, "migration.provisionKeypair", err)
	}
	pub := strings.TrimSpace(out)
	if pub == "" {
		return "", migerr.Newf(migerr.KindDeadlineExceeded, "migration.provisionKeypair", "empty public key after keygen")
	}
	return pub, nil
}

// prepareDestination implements step 2.
func (e *Engine) prepareDestination(sourcePublicKey string) error {
	mkMount := fmt.Sprintf("mkdir -p %s", config.Paths.MountPoint)
	if _, err := e.Destination.AsRoot(mkMount, config.Timeouts.Probe, false); err != nil {
		return migerr.New(migerr.KindDeadlineExceeded, "migration.prepareDestination", err)
	}

	mountCmd := fmt.Sprintf("mountpoint -q %s || mount -o acl %s %s", config.Paths.MountPoint, config.Paths.DefaultBlock, config.Paths.MountPoint)
	if _, err := e.Destination.AsRoot(mountCmd, config.Timeouts.Probe, false); err != nil {
		return migerr.New(migerr.KindDeadlineExceeded, "migration.prepareDestination", err)
	}

	backupCmd := "for f in passwd shadow group; do " +
		"test -f /etc/$f.migration || cp -a /etc/$f /etc/$f.migration; done"
	if _, err := e.Destination.AsRoot(backupCmd, config.Timeouts.Probe, false); err != nil {
		return migerr.New(migerr.KindDeadlineExceeded, "migration.prepareDestination", err)
	}

	if err := e.ensureRsync(e.Destination); err != nil {
		return err
	}

	sshDirCmd := "mkdir -p -m 0700 ~/.ssh"
	if _, err := e.Destination.AsRoot(sshDirCmd, config.Timeouts.Probe, false); err != nil {
		return migerr.New(migerr.KindDeadlineExceeded, "migration.prepareDestination", err)
	}
	authKeysCmd := fmt.Sprintf("grep -qF %q ~/.ssh/authorized_keys 2>/dev/null || echo %q >> ~/.ssh/authorized_keys",
		sourcePublicKey, sourcePublicKey)
	if _, err := e.Destination.AsRoot(authKeysCmd, config.Timeouts.Probe, false); err != nil {
		return migerr.New(migerr.KindDeadlineExceeded, "migration.prepareDestination", err)
	}
	return nil
}

// ensureRsync implements the "fail with NoRsync if none" / "vend from
// destination" halves of step 2/3 (spec.md 4.6, 7).
func (e *Engine) ensureRsync(s Session) error {
	out, _ := s.AsRoot("command -v rsync || true", config.Timeouts.Probe, true)
	if strings.TrimSpace(out) != "" {
		return nil
	}
	pmCmd := "(command -v yum >/dev/null && yum install -y rsync) || (command -v apt-get >/dev/null && apt-get update && apt-get install -y rsync) || true"
	s.AsRoot(pmCmd, config.Timeouts.PackageInstall, false)

	out, _ = s.AsRoot("command -v rsync || true", config.Timeouts.Probe, true)
	if strings.TrimSpace(out) == "" {
		return migerr.Newf(migerr.KindNoRsync, "migration.ensureRsync", "rsync not found on %s and package install failed", s.Hostname())
	}
	return nil
}

// prepareSource implements step 3: write exclusions, locate rsync, scp it
// from the destination if missing.
func (e *Engine) prepareSource() error {
	rendered := e.Exclusions.Render()
	writeCmd := fmt.Sprintf("cat > %s <<'CLOUDFLOCK_EXCLUSIONS'\n%s\nCLOUDFLOCK_EXCLUSIONS", config.Paths.Exclusions, rendered)
	if _, err := e.Source.AsRoot(writeCmd, config.Timeouts.Probe, false); err != nil {
		return migerr.New(migerr.KindDeadlineExceeded, "migration.prepareSource", err)
	}

	out, _ := e.Source.AsRoot("command -v rsync || true", config.Timeouts.Probe, true)
	if strings.TrimSpace(out) != "" {
		return nil
	}

	// Vend rsync from the destination: scp its binary path into
	// ${DATA_DIR}/rsync (spec.md 4.6 step 3).
	destRsyncPath, err := e.Destination.AsRoot("command -v rsync", config.Timeouts.Probe, false)
	if err != nil || strings.TrimSpace(destRsyncPath) == "" {
		return migerr.Newf(migerr.KindNoRsync, "migration.prepareSource", "source has no rsync and destination has none to vend")
	}

	scpArgs := strings.Join(config.SSHOptions, " ")
	scpCmd := fmt.Sprintf("scp %s %s:%s %s/rsync && chmod +x %s/rsync",
		scpArgs, e.Destination.Hostname(), strings.TrimSpace(destRsyncPath), config.Paths.DataDir, config.Paths.DataDir)
	if _, err := e.Source.AsRoot(scpCmd, config.Timeouts.Probe, false); err != nil {
		return migerr.Newf(migerr.KindNoRsync, "migration.prepareSource", "scp rsync from destination failed: %v", err)
	}
	return nil
}

// selectTargetAddress implements step 4: the fingerprint-matching address
// selection (spec.md 4.6, testable scenario S4).
func (e *Engine) selectTargetAddress() (string, error) {
	hostKeyLine, err := e.Destination.AsRoot("cat /etc/ssh/ssh_host_rsa_key.pub 2>/dev/null || cat /etc/ssh/ssh_host_ed25519_key.pub", config.Timeouts.Probe, false)
	if err != nil {
		return e.Destination.Hostname(), nil
	}
	wantFingerprint, err := keypair.Fingerprint(strings.TrimSpace(hostKeyLine))
	if err != nil {
		return e.Destination.Hostname(), nil
	}

	addrsOut, err := e.Destination.AsRoot("ip -4 addr show | grep -oE 'inet [0-9.]+' | awk '{print $2}'", config.Timeouts.Probe, true)
	if err != nil {
		return e.Destination.Hostname(), nil
	}

	var chosen string
	for _, addr := range strings.Fields(addrsOut) {
		if addr == "127.0.0.1" {
			continue
		}
		scanCmd := fmt.Sprintf("ssh-keyscan -t rsa,ed25519 %s 2>/dev/null", addr)
		scanOut, err := e.Source.Query(scanCmd, config.Timeouts.Probe, true)
		if err != nil {
			continue
		}
		fp, err := fingerprintFromScan(scanOut)
		if err != nil {
			continue
		}
		if fp == wantFingerprint {
			chosen = addr // keep scanning; spec says "choose the last address whose observed fingerprint matches"
		}
	}
	if chosen != "" {
		return chosen, nil
	}
	return e.Destination.Hostname(), nil
}

func fingerprintFromScan(scanOut string) (string, error) {
	for _, line := range strings.Split(scanOut, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		line := strings.Join(fields[1:], " ")
		return keypair.Fingerprint(line)
	}
	return "", fmt.Errorf("no host key lines in scan output")
}

// startWatchdogs implements the health-supervision half of step 5: source
// gets {system_load, utilized_memory}; destination gets {system_load,
// utilized_memory, used_space}. Once the transfer is underway, a triggered
// alarm's reaction flips cancelled so runTwoPasses can unwind the worker
// back to this gate (spec.md 4.6 step 7).
func (e *Engine) startWatchdogs(cancelled *atomic.Bool) *watchdog.Group {
	group := watchdog.NewGroup()
	cancel := func() { cancelled.Store(true) }
	group.Add(watchdog.NewSystemLoadWatchdog(e.Source, int(config.Timeouts.HealthGatePoll.Seconds()), cancel))
	group.Add(watchdog.NewUtilizedMemoryWatchdog(e.Source, int(config.Timeouts.HealthGatePoll.Seconds()), cancel))
	group.Add(watchdog.NewSystemLoadWatchdog(e.Destination, int(config.Timeouts.HealthGatePoll.Seconds()), cancel))
	group.Add(watchdog.NewUtilizedMemoryWatchdog(e.Destination, int(config.Timeouts.HealthGatePoll.Seconds()), cancel))
	group.Add(watchdog.NewUsedSpaceWatchdog(e.Destination, int(config.Timeouts.HealthGatePoll.Seconds()), cancel))
	return group
}

// waitForHealthy blocks until no watchdog in group is triggered, polling
// every HealthGatePoll (spec.md 4.6 step 5).
func waitForHealthy(group *watchdog.Group) error {
	deadline := time.Now().Add(config.Timeouts.ManagedPolling)
	for {
		if triggered := group.AnyTriggered(); len(triggered) == 0 {
			return nil
		} else if time.Now().After(deadline) {
			return migerr.Newf(migerr.KindWatchdogAlarm, "migration.waitForHealthy", "health gate never cleared: %v", triggered)
		}
		time.Sleep(config.Timeouts.HealthGatePoll)
	}
}

// runTwoPasses implements steps 6-7: two sequential rsync passes, with a
// between-pass sed edit of the exclusions file (testable scenario S5), and
// retry-on-timeout bounded by maxRsyncRetries per pass. If a watchdog
// cancels the transfer mid-pass, the pass is abandoned and a
// KindWatchdogAlarm error unwinds the caller to the health-check gate.
func (e *Engine) runTwoPasses(targetAddr string, cancelled *atomic.Bool) (int, error) {
	rsyncCmd := e.buildRsyncCommand(targetAddr)

	if err := e.runRsyncPass(rsyncCmd, cancelled); err != nil {
		return 0, err
	}

	sedCmd := fmt.Sprintf(`sed -i 's|/var/log||g' %s`, config.Paths.Exclusions)
	if _, err := e.Source.AsRoot(sedCmd, config.Timeouts.Probe, false); err != nil {
		return 1, migerr.New(migerr.KindRsyncFailed, "migration.runTwoPasses", err)
	}

	if err := e.runRsyncPass(rsyncCmd, cancelled); err != nil {
		return 1, err
	}
	return 2, nil
}

func (e *Engine) buildRsyncCommand(targetAddr string) string {
	sshOpts := strings.Join(config.SSHOptions, " ")
	return fmt.Sprintf("rsync -azP -e 'ssh %s -i %s' --exclude-from=%s / %s:%s",
		sshOpts, config.Paths.PrivateKey, config.Paths.Exclusions, targetAddr, config.Paths.MountPoint)
}

// runRsyncPass runs cmd with up to maxRsyncRetries retries on timeout
// (spec.md 4.6 step 6, 7: "rsync-timeout <= 3"). A watchdog-triggered
// cancellation observed after the command returns takes precedence over
// the command's own exit status: the pass is treated as cancelled rather
// than failed, so Run restarts from the health-check gate instead of
// giving up.
func (e *Engine) runRsyncPass(cmd string, cancelled *atomic.Bool) error {
	var lastErr error
	for attempt := 0; attempt <= maxRsyncRetries; attempt++ {
		out, err := e.Source.AsRoot(cmd, config.Timeouts.RsyncPass, true)
		if cancelled.Load() {
			return migerr.Newf(migerr.KindWatchdogAlarm, "migration.runRsyncPass", "watchdog alarm cancelled in-flight rsync")
		}
		if err == nil {
			if exitNonZero(out) {
				lastErr = migerr.Newf(migerr.KindRsyncFailed, "migration.runRsyncPass", "rsync reported failure: %s", lastLines(out, 200))
				continue
			}
			return nil
		}
		lastErr = err
	}
	return migerr.New(migerr.KindRsyncFailed, "migration.runRsyncPass", lastErr)
}

func exitNonZero(out string) bool {
	return strings.Contains(out, "rsync error") || strings.Contains(out, "rsync: ")
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// RecommendFlavor is a thin helper wiring C2 into the engine's own
// vocabulary, used by the Orchestrator's Recommend state (spec.md 4.9).
func RecommendFlavor(cat catalog.Catalog, p profiler.Profile) (catalog.FlavorChoice, error) {
	memVals := p.SelectEntries("Memory", "^total_mib$")
	diskVals := p.SelectEntries("Storage", "^used_gb$")
	swapVals := p.SelectEntries("Memory", "^swap_used_mib$")

	mem := firstInt(memVals)
	disk := firstInt(diskVals)
	swapping := firstInt(swapVals) > 0

	return cat.FlavorFor(mem, disk, swapping)
}

func firstInt(vals []string) int {
	if len(vals) == 0 {
		return 0
	}
	f, _ := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64)
	return int(f)
}
