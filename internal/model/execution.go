package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// ExecutionStatus is the terminal outcome reported to the orchestrator
type ExecutionStatus string

const (
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimedOut  ExecutionStatus = "timed_out"
)

// ErrorKind tags why an execution did not complete
type ErrorKind string

const (
	ErrorKindWorkspaceInit     ErrorKind = "workspace_init"
	ErrorKindContainerCrash    ErrorKind = "container_crash"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindCancelled         ErrorKind = "cancelled"
	ErrorKindWorkerReported    ErrorKind = "worker_reported"
	ErrorKindInvalidDescriptor ErrorKind = "invalid_descriptor"
	ErrorKindCapacity          ErrorKind = "capacity"
)

// InlineContentLimit bounds the size of expected output files and logs
// carried inside a result
const InlineContentLimit = 1 << 20

var executionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ContainerSpec selects the image and command a worker container runs
type ContainerSpec struct {
	Image      string   `json:"image,omitempty"`
	Command    []string `json:"command,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
}

// InlineFile is a small input artifact carried inside the descriptor
type InlineFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// OutputSpec tells the collector what the orchestrator expects back
type OutputSpec struct {
	// ExpectedFiles are output file names reported individually; files
	// smaller than InlineContentLimit have their content inlined
	ExpectedFiles []string `json:"expected_files,omitempty"`
	ReturnLogs    bool     `json:"return_logs,omitempty"`
}

// ArtifactRef references an input artifact held by an external store
type ArtifactRef struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// UnmarshalJSON accepts either a bare URI string or an object.
func (r *ArtifactRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var uri string
		if err := json.Unmarshal(data, &uri); err != nil {
			return err
		}
		*r = ArtifactRef{URI: uri}
		return nil
	}

	type plain ArtifactRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = ArtifactRef(p)
	return nil
}

// FileName returns the deterministic file name the artifact is staged under
func (r ArtifactRef) FileName() string {
	if r.Name != "" {
		return r.Name
	}
	uri := r.URI
	if i := strings.IndexAny(uri, "?#"); i >= 0 {
		uri = uri[:i]
	}
	return path.Base(strings.TrimRight(uri, "/"))
}

// ExecutionDescriptor describes one execution. It is owned by the
// orchestrator and treated as read-only once accepted.
type ExecutionDescriptor struct {
	ExecutionID    string                     `json:"execution_id"`
	Operation      string                     `json:"operation"`
	InputRefs      []ArtifactRef              `json:"input_refs,omitempty"`
	Config         map[string]json.RawMessage `json:"config,omitempty"`
	Container      ContainerSpec              `json:"container,omitempty"`
	Services       []string                   `json:"services,omitempty"`
	Environment    map[string]string          `json:"environment,omitempty"`
	TimeoutSeconds int                        `json:"timeout_seconds,omitempty"`
	GraphData      *GraphSnapshot             `json:"graph_data,omitempty"`
	Files          []InlineFile               `json:"files,omitempty"`
	ArchiveOutput  bool                       `json:"archive_output,omitempty"`
	Output         OutputSpec                 `json:"output,omitempty"`
}

// Validate checks the descriptor shape before any workspace is created
func (d *ExecutionDescriptor) Validate() error {
	if d == nil {
		return errors.New("descriptor is nil")
	}
	if !executionIDPattern.MatchString(d.ExecutionID) {
		return fmt.Errorf("invalid execution id %q", d.ExecutionID)
	}
	if d.Operation == "" {
		return errors.New("operation is required")
	}
	for key, value := range d.Config {
		if !json.Valid(value) {
			return fmt.Errorf("config value %q is not valid JSON", key)
		}
	}
	for i, ref := range d.InputRefs {
		if ref.URI == "" {
			return fmt.Errorf("input ref %d has no uri", i)
		}
	}
	for _, name := range d.Output.ExpectedFiles {
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("expected file %q is not a plain file name", name)
		}
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("negative timeout: %d", d.TimeoutSeconds)
	}
	if d.GraphData != nil {
		if err := d.GraphData.Validate(); err != nil {
			return fmt.Errorf("graph data: %w", err)
		}
	}
	return nil
}

// Timeout returns the requested bound or fallback when none was requested
func (d *ExecutionDescriptor) Timeout(fallback time.Duration) time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return fallback
}

// ExecutionResult is the only artifact handed back to the orchestrator
type ExecutionResult struct {
	ExecutionID      string                 `json:"execution_id"`
	Status           ExecutionStatus        `json:"status"`
	ErrorKind        ErrorKind              `json:"error_kind,omitempty"`
	Message          string                 `json:"message"`
	OutputFiles      []string               `json:"output_files"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	ExitCode         int                    `json:"exit_code"`
	GraphUpdate      *GraphStats            `json:"graph_update_stats,omitempty"`
	GraphUpdateError string                 `json:"graph_update_error,omitempty"`
	ArchivedObjects  []string               `json:"archived_objects,omitempty"`
	ExpectedFiles    []OutputFile           `json:"expected_files,omitempty"`
	MissingFiles     []string               `json:"missing_files,omitempty"`
	Logs             string                 `json:"logs,omitempty"`
	StartedAt        time.Time              `json:"started_at"`
	CompletedAt      time.Time              `json:"completed_at"`
	Duration         time.Duration          `json:"duration"`
}

// OutputFile is an expected output file reported back in the result
type OutputFile struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Content string `json:"content,omitempty"`
}

// NewFailedResult builds a failure result for executions that never produced output
func NewFailedResult(executionID string, kind ErrorKind, message string) *ExecutionResult {
	now := time.Now()
	return &ExecutionResult{
		ExecutionID: executionID,
		Status:      ExecutionStatusFailed,
		ErrorKind:   kind,
		Message:     message,
		OutputFiles: []string{},
		ExitCode:    -1,
		StartedAt:   now,
		CompletedAt: now,
	}
}
