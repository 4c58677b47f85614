package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Fixed layout below a workspace root
const (
	InputDir  = "input"
	OutputDir = "output"
	ConfigDir = "config"

	ConfigFileName      = "config.json"
	GraphDataFileName   = "graph_data.json"
	ResultFileName      = "result.json"
	ResultsFileName     = "results.json"
	GraphUpdateFileName = "graph_update.json"
)

// Workspace is the staging area owned by exactly one execution. It is a
// value object; every component that touches the filesystem receives it
// explicitly.
type Workspace struct {
	ExecutionID string
	Root        string
}

// Input is read-only from the container's perspective
func (w *Workspace) Input() string { return filepath.Join(w.Root, InputDir) }

// Output is the only writable area for the container
func (w *Workspace) Output() string { return filepath.Join(w.Root, OutputDir) }

// Config holds config.json
func (w *Workspace) Config() string { return filepath.Join(w.Root, ConfigDir) }

// ConfigFile is the path of the serialized descriptor config
func (w *Workspace) ConfigFile() string { return filepath.Join(w.Config(), ConfigFileName) }

// GraphData is the optional input graph snapshot
func (w *Workspace) GraphData() string { return filepath.Join(w.Input(), GraphDataFileName) }

// GraphUpdate is the optional output graph delta
func (w *Workspace) GraphUpdate() string { return filepath.Join(w.Output(), GraphUpdateFileName) }

// ResultFiles lists the well-known result metadata files in merge order;
// later files override earlier ones.
func (w *Workspace) ResultFiles() []string {
	return []string{
		filepath.Join(w.Output(), ResultsFileName),
		filepath.Join(w.Output(), ResultFileName),
	}
}

// Exists reports whether the workspace root is present on disk
func (w *Workspace) Exists() bool {
	info, err := os.Stat(w.Root)
	return err == nil && info.IsDir()
}

// Destroy removes the whole workspace tree. Callers must make sure no
// process still writes into it.
func (w *Workspace) Destroy() error {
	if err := os.RemoveAll(w.Root); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", w.Root, err)
	}
	return nil
}
