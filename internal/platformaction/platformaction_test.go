package platformaction

import (
	"strings"
	"testing"

	"github.com/wuest/cloudflock/internal/config"
)

func TestPrefixesUnknownVendor(t *testing.T) {
	got := Prefixes("", "", "")
	if len(got) != 1 || got[0] != "unix" {
		t.Fatalf("expected only base layer for unknown vendor, got %v", got)
	}
}

func TestPrefixesFullySpecified(t *testing.T) {
	got := Prefixes("Ubuntu", "ubuntu", "20.04")
	want := []string{"unix", "unix/ubuntu", "unix/ubuntu/ubuntu20.04"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prefix %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestBuildExclusionsUnknownVendorIsBaseOnly(t *testing.T) {
	list := BuildExclusions("plan9", "", "", "")
	base := BuildExclusions("", "", "", "")
	if len(list) != len(base) {
		t.Fatalf("expected unknown-vendor exclusions to equal base layer, got %d vs %d lines", len(list), len(base))
	}
}

func TestBuildExclusionsLayersAppendInOrder(t *testing.T) {
	list := BuildExclusions("ubuntu", "ubuntu", "20.04", "")
	if len(list) == 0 {
		t.Fatal("expected non-empty exclusion list")
	}
	if list[0] != "/proc/*" {
		t.Fatalf("expected base layer first, got %q", list[0])
	}
	found := false
	for _, l := range list {
		if strings.Contains(l, "apt") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected ubuntu-layer apt exclusion to be present")
	}
}

func TestExclusionListContainsVarLog(t *testing.T) {
	list := BuildExclusions("ubuntu", "ubuntu", "20.04", "")
	found := false
	for _, l := range list {
		if l == "/var/log" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected base layer to include /var/log so the two-pass sed edit has something to strip")
	}
}

func TestBuildCleanupPlanThreePhases(t *testing.T) {
	plan := BuildCleanupPlan("centos", "centos", "7", "")
	if len(plan.Pre) == 0 || len(plan.Chroot) == 0 || len(plan.Post) == 0 {
		t.Fatalf("expected all three phases populated, got %+v", plan)
	}
	foundGrub := false
	for _, l := range plan.Chroot {
		if strings.Contains(l, "grub2-mkconfig") {
			foundGrub = true
		}
	}
	if !foundGrub {
		t.Fatal("expected centos chroot phase to include grub2-mkconfig")
	}
}

func TestRenderScriptHasShebang(t *testing.T) {
	script := RenderScript([]string{"echo hi"})
	if !strings.HasPrefix(script, "#!/bin/sh\n") {
		t.Fatalf("expected shebang prefix, got %q", script)
	}
}

func TestRenderScriptSubstitutesMountPoint(t *testing.T) {
	script := RenderScript([]string{"mount --bind /proc ${MOUNT_POINT}/proc"})
	if strings.Contains(script, "${MOUNT_POINT}") {
		t.Fatalf("expected ${MOUNT_POINT} to be substituted, got %q", script)
	}
	want := "mount --bind /proc " + config.Paths.MountPoint + "/proc"
	if !strings.Contains(script, want) {
		t.Fatalf("expected rendered script to contain %q, got %q", want, script)
	}
}

func TestBuildCleanupPlanPreAndPostSubstituteMountPoint(t *testing.T) {
	plan := BuildCleanupPlan("centos", "centos", "7", "")

	pre := RenderScript(plan.Pre)
	if strings.Contains(pre, "${MOUNT_POINT}") {
		t.Fatalf("expected pre phase to have ${MOUNT_POINT} substituted, got %q", pre)
	}
	if !strings.Contains(pre, config.Paths.MountPoint+"/proc") {
		t.Fatalf("expected pre phase to bind-mount under the real mount point, got %q", pre)
	}

	post := RenderScript(plan.Post)
	if strings.Contains(post, "${MOUNT_POINT}") {
		t.Fatalf("expected post phase to have ${MOUNT_POINT} substituted, got %q", post)
	}
	if !strings.Contains(post, "umount "+config.Paths.MountPoint+"/sys") {
		t.Fatalf("expected post phase to unmount the real mount point, got %q", post)
	}
}
