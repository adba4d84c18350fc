package shell

import (
	"strings"

	"github.com/wuest/cloudflock/internal/config"
)

// SSHCommandFlags renders config.SSHOptions as a single flag string suitable
// for embedding in a shell command line, e.g. the rsync -e option or a
// helper `ssh` invocation issued from within a remote shell (spec.md
// section 6).
func SSHCommandFlags() string {
	return strings.Join(config.SSHOptions, " ")
}

// SSHCommandFlagsWithKey adds -i keyPath ahead of the standard flags.
func SSHCommandFlagsWithKey(keyPath string) string {
	return "-i " + keyPath + " " + SSHCommandFlags()
}
