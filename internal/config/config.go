// Package config holds the typed structs the CLI front-ends build and hand
// to the migration engine. The engine never parses flags, config files, or
// operator prompts itself (spec.md section 1, "out of scope"); it only
// consumes these values (Design Note: "duck-typed config hashes flowing
// everywhere" -> named structs per boundary), matching the teacher's
// internal/daemon/config.go split between a typed Config and a loader.
package config

import "time"

// EscalationPolicy is how a Session obtains root on its HostEndpoint.
type EscalationPolicy string

const (
	EscalationAlreadyRoot EscalationPolicy = "already_root"
	EscalationSu          EscalationPolicy = "su"
	EscalationSudo        EscalationPolicy = "sudo"
)

// HostEndpoint describes a single host a Session can connect to (spec.md
// section 3, "HostEndpoint"). Built from operator input or provisioner
// output; treat as immutable once a Session has opened against it.
type HostEndpoint struct {
	Hostname string
	Port     int

	LoginUser string
	// Exactly one of Password/PrivateKeyPEM should be set.
	Password      string
	PrivateKeyPEM string
	KeyPassphrase string

	Escalation   EscalationPolicy
	RootPassword string // used by su/sudo escalation; ignored for already_root
}

func (h HostEndpoint) Addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return fmtHostPort(h.Hostname, port)
}

func fmtHostPort(host string, port int) string {
	return host + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// ProvisionRequest is handed to the external provisioner adaptor (spec.md
// section 6, out of scope for this module) to create a destination host.
type ProvisionRequest struct {
	ImageID  string
	FlavorID string
	Name     string
	Region   string
	// ManagedAccount indicates the destination is on a provisioner account
	// class that runs post-boot automation; the Orchestrator must wait for
	// waitUntilManagedAutomationDone before proceeding (GLOSSARY: "Managed
	// account").
	ManagedAccount bool
}

// MigrationRequest is the complete, typed input to the Orchestrator (C10).
// The CLI reconciles flags/config/prompts into this struct; the engine
// itself never interacts with the operator (spec.md section 6).
type MigrationRequest struct {
	Source      HostEndpoint
	Destination *HostEndpoint // nil when Resume is false and provisioning is requested
	Resume      bool          // skip provisioning, connect directly to Destination

	Provision *ProvisionRequest // nil when Destination is pre-existing

	// TargetDirectories overrides the IP remediation scan roots (default {/etc}).
	TargetDirectories []string
	// OverrideSourceIPs lets the operator override the IP list C9 would
	// otherwise derive from the source Profile.
	OverrideSourceIPs []string

	// AuditEndpoint, if set, receives the signed migration evidence record
	// (SPEC_FULL.md "Supplemental component: Migration Evidence").
	AuditEndpoint string

	// RunStoreDSN, if set, is a Postgres connection string for resume
	// history (internal/runstore); empty uses the on-disk file store.
	RunStoreDSN string
}

// Timeouts centralizes the per-command defaults from spec.md section 5.
var Timeouts = struct {
	Probe                time.Duration
	PackageInstall       time.Duration
	KeypairGen           time.Duration
	ManagedPolling       time.Duration
	RsyncPass            time.Duration
	Cleanup              time.Duration // 0 == unlimited
	Auth                 time.Duration
	ServerAlive          time.Duration
	HealthGatePoll       time.Duration
	WatchdogPollDefault  time.Duration
}{
	Probe:               30 * time.Second,
	PackageInstall:      300 * time.Second,
	KeypairGen:          3600 * time.Second,
	ManagedPolling:      3600 * time.Second,
	RsyncPass:           7200 * time.Second,
	Cleanup:             0,
	Auth:                15 * time.Second,
	ServerAlive:         30 * time.Second,
	HealthGatePoll:      30 * time.Second,
	WatchdogPollDefault: 30 * time.Second,
}

// Paths centralizes the filesystem layout from spec.md section 6.
var Paths = struct {
	DataDir      string
	Exclusions   string
	PrivateKey   string
	PublicKey    string
	MountPoint   string
	DefaultBlock string
}{
	DataDir:      "/root/.cloudflock",
	Exclusions:   "/root/.cloudflock/migration_exclusions",
	PrivateKey:   "/root/.cloudflock/migration_id_rsa",
	PublicKey:    "/root/.cloudflock/migration_id_rsa.pub",
	MountPoint:   "/mnt/migration_target",
	DefaultBlock: "/dev/xvdb1",
}

// SSHOptions are the flags applied to all outgoing ssh/scp invocations made
// from within a remote shell (spec.md section 6).
var SSHOptions = []string{
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "StrictHostKeyChecking=no",
	"-o", "NumberOfPasswordPrompts=1",
	"-o", "ConnectTimeout=15",
	"-o", "ServerAliveInterval=30",
}
