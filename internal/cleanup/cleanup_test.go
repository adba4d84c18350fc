package cleanup

import (
	"strings"
	"testing"
	"time"

	"github.com/wuest/cloudflock/internal/config"
	"github.com/wuest/cloudflock/internal/platformaction"
)

// fakeSession mirrors the scripted-fake pattern of internal/migration's own
// test file.
type fakeSession struct {
	responses []fakeResponse
	calls     []string
}

type fakeResponse struct {
	match string
	out   string
	err   error
}

func (f *fakeSession) AsRoot(command string, _ time.Duration, _ bool) (string, error) {
	f.calls = append(f.calls, command)
	for _, r := range f.responses {
		if strings.Contains(command, r.match) {
			return r.out, r.err
		}
	}
	return "", nil
}

func TestRunExecutesPhasesInStrictOrder(t *testing.T) {
	s := &fakeSession{}
	r := &Runner{
		Destination: s,
		Plan: platformaction.CleanupPlan{
			Pre:    []string{"rm -f /etc/migration_exclusions"},
			Chroot: []string{"systemctl daemon-reload"},
			Post:   []string{"rm -rf /root/.cloudflock"},
		},
	}
	r.Run()

	var order []string
	for _, c := range s.calls {
		switch {
		case strings.HasPrefix(c, "/bin/sh ") && strings.HasSuffix(strings.TrimSpace(c), "pre.sh"):
			order = append(order, "pre")
		case strings.HasPrefix(c, "chroot ") && strings.Contains(c, "chroot.sh"):
			order = append(order, "chroot")
		case strings.HasPrefix(c, "/bin/sh ") && strings.HasSuffix(strings.TrimSpace(c), "post.sh"):
			order = append(order, "post")
		}
	}
	if len(order) != 3 || order[0] != "pre" || order[1] != "chroot" || order[2] != "post" {
		t.Fatalf("expected pre,chroot,post execution order, got %v", order)
	}
}

func TestRunContinuesAfterPhaseFailure(t *testing.T) {
	s := &fakeSession{responses: []fakeResponse{
		{match: "pre.sh", err: errString("boom")},
	}}
	r := &Runner{Destination: s, Plan: platformaction.CleanupPlan{
		Pre:    []string{"false"},
		Chroot: []string{"true"},
		Post:   []string{"true"},
	}}
	results := r.Run()

	sawChroot, sawPost := false, false
	for _, res := range results {
		if res.Phase == "chroot" {
			sawChroot = true
		}
		if res.Phase == "post" {
			sawPost = true
		}
	}
	if !sawChroot || !sawPost {
		t.Fatalf("expected chroot and post phases to still run after pre failed, got %+v", results)
	}
}

func TestRestoreAuxiliaryUserSkippedWhenAbsentFromBackup(t *testing.T) {
	s := &fakeSession{responses: []fakeResponse{
		{match: "passwd.migration", out: "absent"},
	}}
	r := &Runner{Destination: s}
	results := r.restoreAuxiliaryUsers()

	for _, res := range results {
		if res.Err != nil {
			t.Fatalf("expected no error for absent backup users, got %+v", res)
		}
	}
	for _, c := range s.calls {
		if strings.Contains(c, "useradd") {
			t.Fatalf("expected no useradd call when user absent from backup, got %q", c)
		}
	}
}

func TestRestoreAuxiliaryUserRestoresWhenPresent(t *testing.T) {
	s := &fakeSession{responses: []fakeResponse{
		{match: "passwd.migration", out: "present"},
	}}
	r := &Runner{Destination: s}
	r.restoreAuxiliaryUsers()

	var sawUseradd, sawSudoers bool
	for _, c := range s.calls {
		if strings.Contains(c, "useradd") {
			sawUseradd = true
		}
		if strings.Contains(c, "sudoers.d") {
			sawSudoers = true
		}
	}
	if !sawUseradd {
		t.Fatalf("expected useradd call when user present in backup, calls: %v", s.calls)
	}
	if !sawSudoers {
		t.Fatalf("expected sudoers stanza to be written, calls: %v", s.calls)
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func TestGuardrailsFlagBareRmRfRoot(t *testing.T) {
	findings := scanForGuardrailViolations("chroot", "rm -rf /\n")
	if len(findings) == 0 {
		t.Fatal("expected bare `rm -rf /` to be flagged")
	}
}

func TestGuardrailsIgnoreScopedRemoval(t *testing.T) {
	findings := scanForGuardrailViolations("chroot", "rm -rf /var/run/*.pid\n")
	if len(findings) != 0 {
		t.Fatalf("expected scoped removal to pass clean, got %v", findings)
	}
}

// TestRunPreAndPostUseRealMountPointNotLiveRoot exercises the real embedded
// cleanup_pre_data.json/cleanup_post_data.json content end to end: BuildCleanupPlan
// followed by Runner.Run must never hand /bin/sh a script with the bare,
// unsubstituted ${MOUNT_POINT} placeholder, since that would make `rm -rf`
// and `umount` operate on the live destination's own /var/run and /sys
// instead of the migrated root under config.Paths.MountPoint.
func TestRunPreAndPostUseRealMountPointNotLiveRoot(t *testing.T) {
	s := &fakeSession{}
	r := &Runner{Destination: s, Plan: platformaction.BuildCleanupPlan("centos", "centos", "7", "")}
	r.Run()

	var sawPreWrite, sawPostWrite bool
	for _, c := range s.calls {
		if !strings.Contains(c, "CLOUDFLOCK_CLEANUP") {
			continue
		}
		if strings.Contains(c, "${MOUNT_POINT}") {
			t.Fatalf("script written to destination still contains unsubstituted ${MOUNT_POINT}: %q", c)
		}
		switch {
		case strings.Contains(c, "pre.sh"):
			sawPreWrite = true
			if !strings.Contains(c, config.Paths.MountPoint+"/proc") {
				t.Fatalf("expected pre script to bind-mount under %s, got %q", config.Paths.MountPoint, c)
			}
		case strings.Contains(c, "post.sh"):
			sawPostWrite = true
			if !strings.Contains(c, "umount "+config.Paths.MountPoint+"/sys") {
				t.Fatalf("expected post script to unmount under %s, got %q", config.Paths.MountPoint, c)
			}
		}
	}
	if !sawPreWrite || !sawPostWrite {
		t.Fatalf("expected both pre and post scripts to be written, calls: %v", s.calls)
	}
}
