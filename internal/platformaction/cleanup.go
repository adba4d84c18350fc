package platformaction

import (
	_ "embed"
	"log"
	"strings"

	"github.com/wuest/cloudflock/internal/config"
)

//go:embed cleanup_pre_data.json
var cleanupPreDataJSON []byte

//go:embed cleanup_chroot_data.json
var cleanupChrootDataJSON []byte

//go:embed cleanup_post_data.json
var cleanupPostDataJSON []byte

var (
	defaultCleanupPreSource    EmbeddedSource
	defaultCleanupChrootSource EmbeddedSource
	defaultCleanupPostSource   EmbeddedSource
)

func init() {
	defaultCleanupPreSource = mustLoadEmbedded(cleanupPreDataJSON, "cleanup/pre")
	defaultCleanupChrootSource = mustLoadEmbedded(cleanupChrootDataJSON, "cleanup/chroot")
	defaultCleanupPostSource = mustLoadEmbedded(cleanupPostDataJSON, "cleanup/post")
	logEmbeddedCounts()
}

// CleanupPlan holds the three ordered shell-script phases (spec.md section 3).
type CleanupPlan struct {
	Pre    []string
	Chroot []string
	Post   []string
}

// BuildCleanupPlan implements the Cleanup Builder (C5): the same layered
// strategy as BuildExclusions, one layer set per phase (spec.md section 4.4).
func BuildCleanupPlan(vendor, product, version, overrideDir string) CleanupPlan {
	preSources := []Source{defaultCleanupPreSource}
	chrootSources := []Source{defaultCleanupChrootSource}
	postSources := []Source{defaultCleanupPostSource}
	if overrideDir != "" {
		preSources = append(preSources, DirSource{Root: overrideDir + "/pre"})
		chrootSources = append(chrootSources, DirSource{Root: overrideDir + "/chroot"})
		postSources = append(postSources, DirSource{Root: overrideDir + "/post"})
	}
	return CleanupPlan{
		Pre:    Build(vendor, product, version, preSources...),
		Chroot: Build(vendor, product, version, chrootSources...),
		Post:   Build(vendor, product, version, postSources...),
	}
}

// RenderScript joins a phase's lines into a `/bin/sh` script with a shebang,
// substituting ${MOUNT_POINT} with the live migration mount point. The
// embedded cleanup layers write it as a shell-style placeholder, but nothing
// ever exports a MOUNT_POINT environment variable for /bin/sh to expand, so
// the substitution has to happen here before the script is written to disk.
func RenderScript(lines []string) string {
	out := "#!/bin/sh\nset -e\n"
	for _, l := range lines {
		out += strings.ReplaceAll(l, "${MOUNT_POINT}", config.Paths.MountPoint) + "\n"
	}
	return out
}

func logEmbeddedCounts() {
	log.Printf("[platformaction] cleanup layers embedded: pre=%d chroot=%d post=%d", len(defaultCleanupPreSource), len(defaultCleanupChrootSource), len(defaultCleanupPostSource))
}
