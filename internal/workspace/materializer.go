package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/artifact"
	"github.com/t77yq/execd/internal/model"
)

// DiskFreeFunc reports the free bytes on the filesystem holding path
type DiskFreeFunc func(path string) (uint64, error)

// Materializer stages workspaces under a root directory
type Materializer struct {
	logger   *zap.Logger
	root     string
	resolver *artifact.Resolver
	minFree  uint64
	diskFree DiskFreeFunc
}

// MaterializerOption customises a Materializer
type MaterializerOption func(*Materializer)

// WithMinFreeBytes sets the free space floor checked before staging
func WithMinFreeBytes(n uint64) MaterializerOption {
	return func(m *Materializer) { m.minFree = n }
}

// WithDiskFree replaces the free space probe
func WithDiskFree(fn DiskFreeFunc) MaterializerOption {
	return func(m *Materializer) { m.diskFree = fn }
}

// NewMaterializer creates a materializer writing below root
func NewMaterializer(root string, resolver *artifact.Resolver, logger *zap.Logger, opts ...MaterializerOption) (*Materializer, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	m := &Materializer{
		logger:   logger.Named("materializer"),
		root:     abs,
		resolver: resolver,
		diskFree: gopsutilDiskFree,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the directory holding all workspaces
func (m *Materializer) Root() string {
	return m.root
}

// Open returns the handle of an existing workspace without touching disk
func (m *Materializer) Open(executionID string) *Workspace {
	return &Workspace{ExecutionID: executionID, Root: filepath.Join(m.root, executionID)}
}

// Materialize stages the workspace for desc. On any failure the partially
// created tree is removed, so a container never sees a half-initialized
// workspace.
func (m *Materializer) Materialize(ctx context.Context, desc *model.ExecutionDescriptor) (ws *Workspace, err error) {
	if err := desc.Validate(); err != nil {
		return nil, &InitError{ExecutionID: desc.ExecutionID, Err: err}
	}

	ws = m.Open(desc.ExecutionID)

	entries, err := os.ReadDir(ws.Root)
	switch {
	case err == nil && len(entries) > 0:
		return nil, &InitError{ExecutionID: desc.ExecutionID, Err: ErrWorkspaceNotEmpty}
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, &InitError{ExecutionID: desc.ExecutionID, Err: err}
	}

	if err := os.MkdirAll(ws.Root, 0755); err != nil {
		return nil, &InitError{ExecutionID: desc.ExecutionID, Err: err}
	}

	defer func() {
		if err == nil {
			return
		}
		if rmErr := os.RemoveAll(ws.Root); rmErr != nil {
			m.logger.Error("Failed to tear down partial workspace",
				zap.String("execution_id", desc.ExecutionID),
				zap.String("root", ws.Root),
				zap.Error(rmErr))
		}
		err = &InitError{ExecutionID: desc.ExecutionID, Err: err}
		ws = nil
	}()

	if err := m.checkDisk(); err != nil {
		return nil, err
	}

	for _, dir := range []string{ws.Input(), ws.Output(), ws.Config()} {
		if err := os.Mkdir(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Base(dir), err)
		}
	}

	staged := make(map[string]string)
	claim := func(name, source string) error {
		if err := validateName(name); err != nil {
			return fmt.Errorf("%s: %w", source, err)
		}
		if prev, ok := staged[name]; ok {
			return fmt.Errorf("%w: %q produced by both %s and %s", ErrInvalidName, name, prev, source)
		}
		staged[name] = source
		return nil
	}

	for _, ref := range desc.InputRefs {
		name := ref.FileName()
		if err := claim(name, ref.URI); err != nil {
			return nil, err
		}
		if err := m.fetch(ctx, ref, filepath.Join(ws.Input(), name)); err != nil {
			return nil, err
		}
	}

	for _, file := range desc.Files {
		if err := claim(file.Name, "inline file"); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(ws.Input(), file.Name), []byte(file.Content), 0644); err != nil {
			return nil, fmt.Errorf("failed to write inline file %s: %w", file.Name, err)
		}
	}

	if desc.GraphData != nil {
		if err := claim(GraphDataFileName, "graph data"); err != nil {
			return nil, err
		}
		if err := writeJSON(ws.GraphData(), desc.GraphData); err != nil {
			return nil, fmt.Errorf("failed to write graph data: %w", err)
		}
	}

	if len(desc.Config) > 0 {
		if err := writeJSON(ws.ConfigFile(), desc.Config); err != nil {
			return nil, fmt.Errorf("failed to write config: %w", err)
		}
	}

	m.logger.Info("Workspace materialized",
		zap.String("execution_id", desc.ExecutionID),
		zap.String("root", ws.Root),
		zap.Int("input_refs", len(desc.InputRefs)),
		zap.Int("inline_files", len(desc.Files)),
		zap.Bool("has_graph_data", desc.GraphData != nil),
		zap.Bool("has_config", len(desc.Config) > 0))

	return ws, nil
}

func (m *Materializer) checkDisk() error {
	if m.minFree == 0 {
		return nil
	}
	free, err := m.diskFree(m.root)
	if err != nil {
		return fmt.Errorf("failed to probe disk usage: %w", err)
	}
	if free < m.minFree {
		return fmt.Errorf("%w: %d bytes free, %d required", ErrInsufficientDisk, free, m.minFree)
	}
	return nil
}

func (m *Materializer) fetch(ctx context.Context, ref model.ArtifactRef, dst string) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(dst), err)
	}

	if err := m.resolver.Fetch(ctx, ref, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", filepath.Base(dst), err)
	}

	m.logger.Debug("Input artifact staged",
		zap.String("uri", ref.URI),
		zap.String("path", dst))
	return nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || name == "/" ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func gopsutilDiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
