package profiler

import (
	"regexp"
	"strconv"
	"strings"
)

// versionRE extracts a dotted-numeric version out of noisier distro strings,
// e.g. "Ubuntu 20.04.3 LTS" -> "20.04.3" (spec.md 4.3: "normalize version to
// [0-9.]+").
var versionRE = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)*`)

var knownDistros = []struct {
	match   *regexp.Regexp
	vendor  string
	product string
}{
	{regexp.MustCompile(`(?i)ubuntu`), "canonical", "ubuntu"},
	{regexp.MustCompile(`(?i)debian`), "debian", "debian"},
	{regexp.MustCompile(`(?i)centos`), "centos", "centos"},
	{regexp.MustCompile(`(?i)red ?hat|rhel`), "redhat", "enterprise_linux"},
	{regexp.MustCompile(`(?i)fedora`), "fedoraproject", "fedora"},
	{regexp.MustCompile(`(?i)amazon ?linux`), "amazon", "amazon_linux"},
}

// deriveCPE implements the four ordered fallbacks of spec.md 4.3:
//  1. /etc/system-release-cpe, read as a CPE 2.2/2.3 string
//  2. /etc/issue, matched against known distro names
//  3. /etc/*[_-]release or *version files, scanned for ID= lines
//  4. uname -o / uname -r
//
// The first fallback to yield a non-empty vendor wins.
func deriveCPE(query Querier, b *builder) CPE {
	if cpe, ok := cpeFromSystemReleaseCPE(query); ok {
		return cpe
	}
	if cpe, ok := cpeFromIssue(query); ok {
		return cpe
	}
	if cpe, ok := cpeFromReleaseFiles(query); ok {
		return cpe
	}
	cpe := cpeFromUname(query)
	if cpe.Vendor == "" {
		b.warn("Unable to determine platform")
	}
	return cpe
}

func cpeFromSystemReleaseCPE(query Querier) (CPE, bool) {
	out := q(query, "cat /etc/system-release-cpe 2>/dev/null")
	if out == "" {
		return CPE{}, false
	}
	// cpe:/o:vendor:product:version or cpe:2.3:o:vendor:product:version:...
	fields := strings.Split(strings.TrimPrefix(out, "cpe:"), ":")
	if len(fields) > 0 && fields[0] == "2.3" {
		fields = fields[1:]
	} else if len(fields) > 0 {
		fields[0] = strings.TrimPrefix(fields[0], "/")
	}
	if len(fields) < 3 {
		return CPE{}, false
	}
	part := fields[0]
	vendor := fields[1]
	product := fields[2]
	version := ""
	if len(fields) > 3 {
		version = normalizeVersion(fields[3])
	}
	if vendor == "" {
		return CPE{}, false
	}
	return CPE{Part: part, Vendor: vendor, Product: product, Version: version}, true
}

func cpeFromIssue(query Querier) (CPE, bool) {
	out := q(query, "cat /etc/issue 2>/dev/null")
	if out == "" {
		return CPE{}, false
	}
	for _, d := range knownDistros {
		if d.match.MatchString(out) {
			return CPE{Part: "o", Vendor: d.vendor, Product: d.product, Version: normalizeVersion(out)}, true
		}
	}
	return CPE{}, false
}

var releaseIDLineRE = regexp.MustCompile(`(?m)^ID=["']?([^"'\n]+)["']?\s*$`)
var releaseVersionIDLineRE = regexp.MustCompile(`(?m)^VERSION_ID=["']?([^"'\n]+)["']?\s*$`)

func cpeFromReleaseFiles(query Querier) (CPE, bool) {
	out := q(query, "cat /etc/*[_-]release /etc/*version 2>/dev/null")
	if out == "" {
		return CPE{}, false
	}
	idMatch := releaseIDLineRE.FindStringSubmatch(out)
	if idMatch == nil {
		return CPE{}, false
	}
	id := strings.ToLower(strings.TrimSpace(idMatch[1]))
	version := ""
	if vm := releaseVersionIDLineRE.FindStringSubmatch(out); vm != nil {
		version = normalizeVersion(vm[1])
	} else {
		version = normalizeVersion(out)
	}
	return CPE{Part: "o", Vendor: id, Product: id, Version: version}, true
}

func cpeFromUname(query Querier) CPE {
	vendor := strings.ToLower(q(query, "uname -o"))
	version := normalizeVersion(q(query, "uname -r"))
	if vendor == "" {
		return CPE{}
	}
	return CPE{Part: "o", Vendor: vendor, Product: vendor, Version: version}
}

func normalizeVersion(s string) string {
	m := versionRE.FindString(s)
	return m
}

// applyHeuristicWarnings scans the already-built sections for the signals
// spec.md 4.3 calls out: a process list containing Plesk's "psa" user or
// cPanel, load average over 10, and IO wait over 10 percent.
func applyHeuristicWarnings(b *builder) {
	if s, ok := b.sections["Load"]; ok {
		for _, e := range s.Entries {
			if e.Name != "1min" {
				continue
			}
			if v, err := strconv.ParseFloat(e.Value, 64); err == nil && v > 10 {
				b.warn("heavy load")
			}
		}
	}
	if s, ok := b.sections["Storage"]; ok {
		for _, e := range s.Entries {
			if e.Name != "iowait_percent" {
				continue
			}
			if v, err := strconv.ParseFloat(e.Value, 64); err == nil && v > 10 {
				b.warn("IO wait high")
			}
		}
	}
	if s, ok := b.sections["Services"]; ok {
		for _, e := range s.Entries {
			if e.Name != "process_list" {
				continue
			}
			lower := strings.ToLower(e.Value)
			if strings.Contains(lower, "psa") {
				b.warn("likely Plesk")
			}
			if strings.Contains(lower, "cpanel") {
				b.warn("likely cPanel")
			}
		}
	}
}
