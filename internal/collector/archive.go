package collector

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/artifact"
	"github.com/t77yq/execd/internal/model"
	"github.com/t77yq/execd/internal/workspace"
)

// ArchiveKey is the object name an output file is archived under
func ArchiveKey(executionID, name string) string {
	return path.Join("executions", executionID, "output", name)
}

// Archive uploads every listed output file to each configured archiver.
// Failures are recorded in the result metadata under archive_errors and
// never change the execution status.
func (c *Collector) Archive(ctx context.Context, ws *workspace.Workspace, result *model.ExecutionResult) {
	if len(c.archivers) == 0 || len(result.OutputFiles) == 0 {
		return
	}

	var failures []string
	for _, name := range result.OutputFiles {
		key := ArchiveKey(ws.ExecutionID, name)
		for _, archiver := range c.archivers {
			object, err := c.archiveFile(ctx, archiver, filepath.Join(ws.Output(), name), key)
			if err != nil {
				c.logger.Error("Failed to archive output file",
					zap.String("execution_id", ws.ExecutionID),
					zap.String("file", name),
					zap.Error(err))
				failures = append(failures, fmt.Sprintf("%s: %v", name, err))
				continue
			}
			result.ArchivedObjects = append(result.ArchivedObjects, object)
		}
	}

	if len(failures) > 0 {
		if result.Metadata == nil {
			result.Metadata = make(map[string]interface{})
		}
		result.Metadata["archive_errors"] = failures
	}

	c.logger.Info("Output archived",
		zap.String("execution_id", ws.ExecutionID),
		zap.Int("objects", len(result.ArchivedObjects)),
		zap.Int("failures", len(failures)))
}

func (c *Collector) archiveFile(ctx context.Context, archiver artifact.Archiver, file, key string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat output file: %w", err)
	}

	return archiver.Archive(ctx, key, f, info.Size())
}
