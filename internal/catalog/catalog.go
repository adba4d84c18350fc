// Package catalog implements the Platform Catalog (C2): mapping a
// (vendor, version) PlatformKey to an opaque image identifier, and a
// resource demand to a FlavorSpec.
//
// The image/flavor tables are embedded JSON loaded at init time, grounded
// directly on the teacher's internal/daemon/runbooks_embed.go
// (//go:embed runbooks.json, parsed into a lookup map in init()).
package catalog

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/wuest/cloudflock/internal/migerr"
)

// PlatformKey is a (vendor, version) tuple derived from a CPE (spec.md
// section 3). Version is either exact or the wildcard "*".
type PlatformKey struct {
	Vendor  string
	Version string
}

// FlavorSpec is a named compute shape (spec.md section 3).
type FlavorSpec struct {
	ID        string `json:"id"`
	MemoryMiB int    `json:"memory_mib"`
	DiskGB    int    `json:"disk_gb"`
}

// ImageMap maps PlatformKey to an opaque image identifier, split into a
// managed and unmanaged table (spec.md section 3).
type ImageMap struct {
	Managed   map[string]map[string]string `json:"managed"`   // vendor -> version -> image id
	Unmanaged map[string]map[string]string `json:"unmanaged"` // vendor -> version -> image id
}

// Catalog bundles one version's image maps and flavor list.
type Catalog struct {
	Images  ImageMap     `json:"images"`
	Flavors []FlavorSpec `json:"flavors"`
}

//go:embed catalog_v1.json
var catalogV1JSON []byte

//go:embed catalog_v2.json
var catalogV2JSON []byte

var (
	// V1 is the legacy catalog.
	V1 Catalog
	// V2 is the current catalog.
	V2 Catalog
)

func init() {
	V1 = mustLoad(catalogV1JSON, "v1")
	V2 = mustLoad(catalogV2JSON, "v2")
}

func mustLoad(data []byte, label string) Catalog {
	var c Catalog
	if err := json.Unmarshal(data, &c); err != nil {
		log.Printf("[catalog] failed to parse embedded %s catalog: %v", label, err)
		return Catalog{}
	}
	log.Printf("[catalog] loaded %s catalog: %d image vendors, %d flavors", label, len(c.Images.Managed)+len(c.Images.Unmanaged), len(c.Flavors))
	return c
}

// ImageFor resolves an image id for key from managed or unmanaged maps.
// Exact version match wins over the "*" fallback within the vendor; an
// unknown vendor yields ("", false) (spec.md section 4.2).
func (c Catalog) ImageFor(key PlatformKey, managed bool) (string, bool) {
	table := c.Images.Unmanaged
	if managed {
		table = c.Images.Managed
	}
	versions, ok := table[strings.ToLower(key.Vendor)]
	if !ok {
		return "", false
	}
	if id, ok := versions[key.Version]; ok {
		return id, true
	}
	if id, ok := versions["*"]; ok {
		return id, true
	}
	return "", false
}

// FlavorChoice is the result of FlavorFor, recording which axis forced it.
type FlavorChoice struct {
	Spec   FlavorSpec
	Reason string // "RAM usage" or "Disk usage"
}

// FlavorFor selects the smallest flavor satisfying the memory and disk
// demand (spec.md section 4.2). The flavor list is assumed ascending in
// capacity. If swapping is true the memory-driven index is bumped by one
// before the final pick (prefer the larger of the disk-driven and
// memory-driven picks).
func (c Catalog) FlavorFor(memMiB, diskGB int, swapping bool) (FlavorChoice, error) {
	memIdx := -1
	diskIdx := -1
	for i, f := range c.Flavors {
		if memIdx == -1 && f.MemoryMiB > memMiB {
			memIdx = i
		}
		if diskIdx == -1 && f.DiskGB > diskGB {
			diskIdx = i
		}
	}
	if memIdx == -1 || diskIdx == -1 {
		return FlavorChoice{}, migerr.Newf(migerr.KindNoFlavor, "catalog.FlavorFor", "no flavor satisfies mem>%d disk>%d", memMiB, diskGB)
	}

	if swapping {
		memIdx++
	}

	finalIdx := memIdx
	reason := "RAM usage"
	if diskIdx > memIdx {
		finalIdx = diskIdx
		reason = "Disk usage"
	}

	if finalIdx >= len(c.Flavors) {
		return FlavorChoice{}, migerr.Newf(migerr.KindNoFlavor, "catalog.FlavorFor", "no flavor satisfies mem>%d disk>%d (swapping=%v)", memMiB, diskGB, swapping)
	}

	return FlavorChoice{Spec: c.Flavors[finalIdx], Reason: reason}, nil
}

// PlatformKeyFromCPE derives the PlatformKey's vendor/version pair from raw
// CPE fields, lowercasing the vendor as required by spec.md section 3.
func PlatformKeyFromCPE(vendor, version string) PlatformKey {
	v := strings.ToLower(strings.TrimSpace(vendor))
	ver := strings.TrimSpace(version)
	if ver == "" {
		ver = "*"
	}
	return PlatformKey{Vendor: v, Version: ver}
}

// String implements fmt.Stringer for logging.
func (k PlatformKey) String() string {
	return fmt.Sprintf("%s/%s", k.Vendor, k.Version)
}
