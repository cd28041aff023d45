// Package harvest discovers the report artifacts a job left in its working
// directory.
package harvest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"cymbytes.com/missiongen/internal/faults"
)

// Kind is the declared kind of an artifact.
type Kind string

const (
	KindCSV         Kind = "csv"
	KindImage       Kind = "image"
	KindText        Kind = "text"
	KindSpreadsheet Kind = "spreadsheet"
)

// allowed maps lower-case extensions to artifact kinds.
var allowed = map[string]Kind{
	".csv":  KindCSV,
	".png":  KindImage,
	".jpg":  KindImage,
	".jpeg": KindImage,
	".pdf":  KindText,
	".txt":  KindText,
	".xlsx": KindSpreadsheet,
	".xls":  KindSpreadsheet,
}

// Artifact is a report file produced by a job.
type Artifact struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Kind        Kind   `json:"kind"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// SizeKB returns the size in kilobytes.
func (a Artifact) SizeKB() float64 {
	return float64(a.Size) / 1024
}

// KindFor returns the artifact kind for a file name, or false when its
// extension is not on the allow-list.
func KindFor(name string) (Kind, bool) {
	k, ok := allowed[strings.ToLower(filepath.Ext(name))]
	return k, ok
}

// Harvest lists dir non-recursively and returns the regular files whose
// extension is allowed, sorted by name. Repeated calls on an unchanged
// directory return identical results.
func Harvest(dir string) ([]Artifact, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, faults.Execution("harvest", "failed to resolve job directory", err)
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, faults.Execution("harvest", "failed to list job directory", err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		kind, ok := KindFor(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat.
			continue
		}

		path := filepath.Join(abs, entry.Name())
		contentType := "application/octet-stream"
		if mt, err := mimetype.DetectFile(path); err == nil {
			contentType = mt.String()
		}

		artifacts = append(artifacts, Artifact{
			Name:        entry.Name(),
			Path:        path,
			Kind:        kind,
			Size:        info.Size(),
			ContentType: contentType,
		})
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Name < artifacts[j].Name
	})
	return artifacts, nil
}
