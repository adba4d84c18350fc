package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/wuest/cloudflock/internal/config"
	"github.com/wuest/cloudflock/internal/provision"
	"github.com/wuest/cloudflock/internal/runstore"
)

// fakeSession is a scripted Session, mirroring the transcript-style fakes
// used throughout this repo's other test files.
type fakeSession struct {
	hostname  string
	responses []fakeResponse
	calls     []string
}

type fakeResponse struct {
	match string
	out   string
}

func (f *fakeSession) find(command string) (string, error) {
	f.calls = append(f.calls, command)
	for _, r := range f.responses {
		if strings.Contains(command, r.match) {
			return r.out, nil
		}
	}
	return "", nil
}

func (f *fakeSession) Query(command string, _ time.Duration, _ bool) (string, error) {
	return f.find(command)
}
func (f *fakeSession) AsRoot(command string, _ time.Duration, _ bool) (string, error) {
	return f.find(command)
}
func (f *fakeSession) Hostname() string { return f.hostname }
func (f *fakeSession) Close()           {}

// centOSResponses gives the profiler enough to derive a CentOS 7 CPE, a
// flavor-matching memory/disk footprint, and one public IPv4 address.
func centOSResponses(publicIP string) []fakeResponse {
	return []fakeResponse{
		{match: "system-release-cpe", out: "cpe:/o:centos:centos:7"},
		{match: "free -m", out: "Mem:           3790         512         200          10        3000        3200"},
		{match: "df -kP", out: "/dev/sda1     20000000  5000000  14000000  27% /"},
		{match: "ifconfig -a", out: "inet " + publicIP + "  netmask 255.255.255.0  broadcast 198.51.100.255"},
		{match: "command -v rsync", out: "/usr/bin/rsync"},
		{match: "ssh-keygen", out: "ssh-rsa AAAAB3NzaC1yc2EAAAADAQABfakefakefake migration-key"},
	}
}

type fakeProvisioner struct {
	created   []config.ProvisionRequest
	destroyed []string
	managed   bool
}

func (f *fakeProvisioner) CreateInstance(_ context.Context, req config.ProvisionRequest) (provision.Instance, error) {
	f.created = append(f.created, req)
	return provision.Instance{ID: "inst-1", PublicIP: "198.51.100.20", Managed: f.managed}, nil
}
func (f *fakeProvisioner) WaitUntilReady(_ context.Context, inst provision.Instance) (config.HostEndpoint, error) {
	return config.HostEndpoint{Hostname: inst.PublicIP, LoginUser: "root", Escalation: config.EscalationAlreadyRoot}, nil
}
func (f *fakeProvisioner) WaitUntilManagedAutomationDone(_ context.Context, _ provision.Instance) error {
	return nil
}
func (f *fakeProvisioner) RescueMode(_ context.Context, _ provision.Instance) error { return nil }
func (f *fakeProvisioner) Destroy(_ context.Context, inst provision.Instance) error {
	f.destroyed = append(f.destroyed, inst.ID)
	return nil
}

func newTestOrchestrator(sessions map[string]*fakeSession, prov provision.Provisioner) *Orchestrator {
	o := New(prov, nil, nil)
	o.Open = func(ep config.HostEndpoint) (Session, error) {
		if s, ok := sessions[ep.Hostname]; ok {
			return s, nil
		}
		return &fakeSession{hostname: ep.Hostname, responses: centOSResponses("198.51.100.20")}, nil
	}
	return o
}

func TestExecuteDrivesFreshMigrationThroughProvisionToDone(t *testing.T) {
	src := &fakeSession{hostname: "src.example.com", responses: centOSResponses("198.51.100.10")}
	dst := &fakeSession{hostname: "198.51.100.20", responses: centOSResponses("198.51.100.20")}
	prov := &fakeProvisioner{}

	o := newTestOrchestrator(map[string]*fakeSession{
		"src.example.com": src,
		"198.51.100.20":   dst,
	}, prov)

	req := config.MigrationRequest{
		Source:  config.HostEndpoint{Hostname: "src.example.com"},
		Provision: &config.ProvisionRequest{Name: "dst", Region: "ord"},
	}

	run, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.State != StateDone {
		t.Fatalf("expected StateDone, got %s (err=%v)", run.State, run.Err)
	}
	if len(prov.created) != 1 {
		t.Fatalf("expected exactly one CreateInstance call, got %d", len(prov.created))
	}
	if run.Result.PassesCompleted < 1 {
		t.Fatalf("expected at least one completed rsync pass, got %d", run.Result.PassesCompleted)
	}
}

func TestExecuteResumeSkipsProvisioning(t *testing.T) {
	src := &fakeSession{hostname: "src.example.com", responses: centOSResponses("198.51.100.10")}
	dst := &fakeSession{hostname: "dst.example.com", responses: centOSResponses("198.51.100.20")}
	prov := &fakeProvisioner{}

	o := newTestOrchestrator(map[string]*fakeSession{
		"src.example.com": src,
		"dst.example.com": dst,
	}, prov)

	destEndpoint := config.HostEndpoint{Hostname: "dst.example.com"}
	req := config.MigrationRequest{
		Source:      config.HostEndpoint{Hostname: "src.example.com"},
		Destination: &destEndpoint,
		Resume:      true,
	}

	run, err := o.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.State != StateDone {
		t.Fatalf("expected StateDone, got %s (err=%v)", run.State, run.Err)
	}
	if len(prov.created) != 0 {
		t.Fatalf("resume must not provision, got %d CreateInstance calls", len(prov.created))
	}
}

func TestExecuteFailsWhenSourceConnectionRejected(t *testing.T) {
	o := New(&fakeProvisioner{}, nil, nil)
	o.Open = func(config.HostEndpoint) (Session, error) {
		return nil, migerrLoginFailed()
	}

	req := config.MigrationRequest{Source: config.HostEndpoint{Hostname: "src.example.com"}}
	run, err := o.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error")
	}
	if run.State != StateFailed {
		t.Fatalf("expected StateFailed, got %s", run.State)
	}
}

func TestExecutePersistsStateAfterEveryTransition(t *testing.T) {
	src := &fakeSession{hostname: "src.example.com", responses: centOSResponses("198.51.100.10")}
	dst := &fakeSession{hostname: "dst.example.com", responses: centOSResponses("198.51.100.20")}
	prov := &fakeProvisioner{}

	o := newTestOrchestrator(map[string]*fakeSession{
		"src.example.com": src,
		"dst.example.com": dst,
	}, prov)

	dir := t.TempDir()
	store := runstore.NewFileStore(dir + "/runs.json")
	o.RunStore = store

	destEndpoint := config.HostEndpoint{Hostname: "dst.example.com"}
	req := config.MigrationRequest{
		Source:      config.HostEndpoint{Hostname: "src.example.com"},
		Destination: &destEndpoint,
		Resume:      true,
	}

	if _, err := o.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	saved, err := store.Load(context.Background(), "src.example.com")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved == nil || saved.State != string(StateDone) {
		t.Fatalf("expected persisted run state Done, got %+v", saved)
	}
}

// migerrLoginFailed mirrors the Kind the shell package would return for a
// rejected credential, without importing the shell package's connection
// machinery into this test.
func migerrLoginFailed() error {
	return &simpleErr{"login failed"}
}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }
