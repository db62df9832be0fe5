package image

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/snapbuild/layers"
)

// Info summarises an image build for inspection
type Info struct {
	Reference      string         `json:"reference" yaml:"reference"`
	Base           string         `json:"base" yaml:"base"`
	WorkingDir     string         `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	LayersDir      string         `json:"layers_dir" yaml:"layers_dir"`
	LayoutDir      string         `json:"layout_dir" yaml:"layout_dir"`
	LayerDiffs     bool           `json:"layer_diffs" yaml:"layer_diffs"`
	LayerFormat    string         `json:"layer_format" yaml:"layer_format"`
	LayoutComplete bool           `json:"layout_complete" yaml:"layout_complete"`
	ManifestFormat string         `json:"manifest_format" yaml:"manifest_format"`
	Platform       string         `json:"platform" yaml:"platform"`
	Written        bool           `json:"written" yaml:"written"`
	Snapshots      []SnapshotInfo `json:"snapshots" yaml:"snapshots"`
}

// SnapshotInfo describes one layer source
type SnapshotInfo struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	Entries     int    `json:"entries" yaml:"entries"`
}

// Info returns a summary of the image. References carry digests once the
// image has been written.
func (i *Image) Info() Info {
	platform := i.platform.OS + "/" + i.platform.Architecture
	if i.platform.Variant != "" {
		platform += "/" + i.platform.Variant
	}

	return Info{
		Reference:      i.reference.String(),
		Base:           i.base.String(),
		WorkingDir:     i.workingDir,
		LayersDir:      i.layersDir,
		LayoutDir:      i.layoutDir,
		LayerDiffs:     i.layerDiffs,
		LayerFormat:    i.layerFormat,
		LayoutComplete: i.layoutComplete,
		ManifestFormat: i.manifestFormat,
		Platform:       platform,
		Written:        i.written,
		Snapshots: lo.Map(i.layerSnapshots, func(s *layers.Snapshot, _ int) SnapshotInfo {
			return SnapshotInfo{
				Source:      s.SourceDir,
				Destination: s.DestDir,
				Entries:     len(s.Entries),
			}
		}),
	}
}

// Format renders the info as "json" or "yaml"
func (info Info) Format(format string) ([]byte, error) {
	switch format {
	case "", "json":
		return json.MarshalIndent(info, "", "  ")
	case "yaml":
		return yaml.Marshal(info)
	default:
		return nil, fmt.Errorf("unsupported format: %s (expected json or yaml)", format)
	}
}
