package cleanup

import (
	"fmt"
	"regexp"
)

// dangerousPatternDefs flags rendered cleanup-script text that looks
// destructive beyond the mount it is scoped to. These never block the
// built-in catalog/override layers; they only surface an anomaly for the
// operator to review before execution, since override directories (spec.md
// 4.4/4.5) can carry operator-authored script fragments.
//
// Adapted from l2planner.Guardrails' dangerousPatternDefs: narrowed to the
// subset relevant to a filesystem-cleanup script (disk/partition/shadow-file
// destruction), dropping the original's SQL/reverse-shell/Windows entries,
// which don't apply to this context.
var dangerousPatternDefs = []string{
	`(?m)rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/\s*$`, // rm -rf / (bare root, not a subpath)
	`(?m)rm\s+(-[a-zA-Z]*)?f[a-zA-Z]*r\s+/\s*$`, // rm -fr /
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bdd\s+if=/dev/zero\b`,
	`\bdd\s+if=/dev/urandom\b`,
	`>\s*/dev/sd[a-z]\b`,
	`>\s*/dev/xvd[a-z]\b`,
	`(?m)chmod\s+(-[a-zA-Z]*)?R\s+777\s+/\s*$`,
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
}

var dangerousPatterns = compilePatterns(dangerousPatternDefs)

func compilePatterns(defs []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(defs))
	for _, p := range defs {
		patterns = append(patterns, regexp.MustCompile(p))
	}
	return patterns
}

// scanForGuardrailViolations returns a description of every dangerous
// pattern found in script, in match order. An empty result means the
// script is clean.
func scanForGuardrailViolations(phase, script string) []string {
	var findings []string
	for _, pattern := range dangerousPatterns {
		if loc := pattern.FindString(script); loc != "" {
			findings = append(findings, fmt.Sprintf("%s: matched %q against %q", phase, pattern.String(), loc))
		}
	}
	return findings
}
