package build

import (
	"encoding/json"
	"fmt"
)

// Listener receives progress events during Run, adapted from
// manifest.Listener for this module's pipeline stages.
type Listener func(fmt.Stringer)

func jsonString(v interface{}) string {
	b, _ := json.Marshal(map[string]interface{}{fmt.Sprintf("%T", v): v})
	return string(b)
}

// EventRepoIndexed is emitted once a repository's index has been loaded.
type EventRepoIndexed struct {
	RepoID string `json:"repo_id"`
	Flat   bool   `json:"flat"`
}

func (e EventRepoIndexed) String() string { return jsonString(e) }

// EventResolved is emitted once the Resolver has produced an InstallSet.
type EventResolved struct {
	PackageCount int `json:"package_count"`
}

func (e EventResolved) String() string { return jsonString(e) }

// EventPackageUnpacked is emitted after each package is extracted into
// the staging tree.
type EventPackageUnpacked struct {
	Package string `json:"package"`
	Version string `json:"version"`
}

func (e EventPackageUnpacked) String() string { return jsonString(e) }

// EventOverlayApplied is emitted after each host_files entry is applied.
type EventOverlayApplied struct {
	Destination string `json:"destination"`
}

func (e EventOverlayApplied) String() string { return jsonString(e) }

// EventComposed is emitted once the final artifact has been written.
type EventComposed struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func (e EventComposed) String() string { return jsonString(e) }
