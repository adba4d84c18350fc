// Package platformaction implements the shared "PlatformAction" pattern
// behind the Exclusion Builder (C4) and Cleanup Builder (C5): given a CPE,
// form the path sequence ["unix", vendor, product+version] and for each
// prefix attempt to load an optional data layer, concatenating all loaded
// payloads in prefix-ascending order (spec.md section 4.4).
//
// The layered-loading shape (built-in -> bundled -> site-level override,
// concatenated in order, missing layers tolerated) is grounded on the
// teacher's internal/healing.Engine.LoadRules, which loads built-in rules,
// then custom YAML from a rules directory, then synced and promoted layers
// -- the same "successively extend from layered sources" structure
// (Design Note: "Dynamic dispatch by file-naming convention" -> static,
// explicit layer list).
package platformaction

import (
	"os"
	"path/filepath"
	"strings"
)

// Source provides the named data layers for a PlatformAction lookup. A
// Source is never required to have every layer; missing layers are
// tolerated (spec.md: "must not fail if intermediate layers are absent").
type Source interface {
	// Layer returns the raw payload for a given prefix path (joined with
	// "/", e.g. "unix/ubuntu/ubuntu20.04"), or ("", false) if absent.
	Layer(prefix string) (string, bool)
}

// EmbeddedSource serves layers from an in-binary map (the "compiled into
// the binary" half of Design Note "Dynamic dispatch by file-naming
// convention").
type EmbeddedSource map[string]string

func (e EmbeddedSource) Layer(prefix string) (string, bool) {
	v, ok := e[prefix]
	return v, ok
}

// DirSource serves layers from files named "<prefix-with-slashes-replaced>.txt"
// under a root directory (the "known data directory" half of the same
// Design Note), grounded on the teacher's loadYAMLRules(dir) which reads an
// on-disk overrides directory best-effort.
type DirSource struct {
	Root string
}

func (d DirSource) Layer(prefix string) (string, bool) {
	if d.Root == "" {
		return "", false
	}
	name := strings.ReplaceAll(prefix, "/", "_") + ".txt"
	data, err := os.ReadFile(filepath.Join(d.Root, name))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Prefixes returns the three lookup prefixes for a CPE's vendor/product/version,
// in ascending specificity, per spec.md section 4.4:
// ["unix", vendor, product+version].
func Prefixes(vendor, product, version string) []string {
	vendor = strings.ToLower(strings.TrimSpace(vendor))
	product = strings.ToLower(strings.TrimSpace(product))
	version = strings.TrimSpace(version)

	prefixes := []string{"unix"}
	if vendor == "" {
		return prefixes
	}
	prefixes = append(prefixes, "unix/"+vendor)
	if product != "" || version != "" {
		prefixes = append(prefixes, "unix/"+vendor+"/"+product+version)
	}
	return prefixes
}

// Build concatenates every available layer across sources, in prefix
// ascending order then source-ascending order, for the given CPE fields.
// Unknown vendors simply produce only the base ("unix") layer (spec.md
// section 4.4). Deterministic and never fails.
func Build(vendor, product, version string, sources ...Source) []string {
	var lines []string
	for _, prefix := range Prefixes(vendor, product, version) {
		for _, src := range sources {
			if payload, ok := src.Layer(prefix); ok {
				lines = append(lines, splitNonEmptyLines(payload)...)
			}
		}
	}
	return lines
}

func splitNonEmptyLines(payload string) []string {
	var out []string
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
