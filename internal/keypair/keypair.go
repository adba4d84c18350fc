// Package keypair implements the fingerprint helper used in Migration Engine
// (C7) step 4, target address selection. The keypair itself is generated
// remotely on the source host via ssh-keygen (internal/migration's
// provisionKeypair) rather than locally, since it only ever needs to exist
// on the source and destination hosts being migrated, never on the operator
// machine running this binary.
package keypair

import (
	"fmt"

	"golang.org/x/crypto/ssh"
)

// Fingerprint returns the SHA256 fingerprint of an OpenSSH authorized-keys
// line, matching what `ssh-keygen -l` reports (spec.md section 4.6 step 4).
func Fingerprint(authorizedKeyLine string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKeyLine))
	if err != nil {
		return "", fmt.Errorf("parse authorized key: %w", err)
	}
	return ssh.FingerprintSHA256(pub), nil
}
