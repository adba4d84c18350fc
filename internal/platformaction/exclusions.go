package platformaction

import (
	_ "embed"
	"encoding/json"
	"log"
)

//go:embed exclusions_data.json
var exclusionsDataJSON []byte

var defaultExclusionSource EmbeddedSource

func init() {
	defaultExclusionSource = mustLoadEmbedded(exclusionsDataJSON, "exclusions")
}

func mustLoadEmbedded(data []byte, label string) EmbeddedSource {
	var m EmbeddedSource
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("[platformaction] failed to parse embedded %s layers: %v", label, err)
		return EmbeddedSource{}
	}
	return m
}

// ExclusionList is an ordered sequence of path patterns the sync step must
// not transfer (spec.md section 3, "ExclusionList").
type ExclusionList []string

// BuildExclusions implements the Exclusion Builder (C4): base, vendor, and
// vendor+version layers appended in that order, from the embedded defaults
// plus an optional on-disk override directory.
func BuildExclusions(vendor, product, version, overrideDir string) ExclusionList {
	sources := []Source{defaultExclusionSource}
	if overrideDir != "" {
		sources = append(sources, DirSource{Root: overrideDir})
	}
	return ExclusionList(Build(vendor, product, version, sources...))
}

// Render joins the list with newlines for use as an rsync --exclude-from
// file (spec.md section 4.6 step 3).
func (e ExclusionList) Render() string {
	out := ""
	for i, p := range e {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}
