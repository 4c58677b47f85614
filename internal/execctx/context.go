// Package execctx builds the immutable environment handed to a worker
// container.
package execctx

import (
	"sort"
	"strings"

	"github.com/t77yq/execd/internal/model"
)

// Well-known keys
const (
	KeyExecutionID     = "EXECUTION_ID"
	KeyOperation       = "EXECUTION_OPERATION"
	KeyWorkspaceRoot   = "WORKSPACE_ROOT"
	KeyWorkspaceInput  = "WORKSPACE_INPUT"
	KeyWorkspaceOutput = "WORKSPACE_OUTPUT"
	KeyWorkspaceConfig = "WORKSPACE_CONFIG"
	KeyServiceProxyURL = "SERVICE_PROXY_URL"
)

var reserved = map[string]struct{}{
	KeyExecutionID:     {},
	KeyOperation:       {},
	KeyWorkspaceRoot:   {},
	KeyWorkspaceInput:  {},
	KeyWorkspaceOutput: {},
	KeyWorkspaceConfig: {},
	KeyServiceProxyURL: {},
}

// IsReserved reports whether key is owned by the executor
func IsReserved(key string) bool {
	_, ok := reserved[key]
	return ok
}

// Paths are the workspace locations as seen from inside the container
type Paths struct {
	Root   string
	Input  string
	Output string
	Config string
}

// Options are the inputs to New
type Options struct {
	Descriptor *model.ExecutionDescriptor
	Paths      Paths
	// ProxyEndpoint is empty when the execution has no gateway grant
	ProxyEndpoint string
}

// Context is an immutable snapshot of the execution environment
type Context struct {
	values map[string]string
}

// New builds the snapshot. Descriptor environment entries never override
// reserved keys, and SERVICE_PROXY_URL is present only with a grant.
func New(opts Options) *Context {
	values := make(map[string]string)

	if opts.Descriptor != nil {
		for k, v := range opts.Descriptor.Environment {
			if k == "" || IsReserved(k) || strings.ContainsAny(k, "=\x00") {
				continue
			}
			values[k] = v
		}
		values[KeyExecutionID] = opts.Descriptor.ExecutionID
		values[KeyOperation] = opts.Descriptor.Operation
	}

	setIf(values, KeyWorkspaceRoot, opts.Paths.Root)
	setIf(values, KeyWorkspaceInput, opts.Paths.Input)
	setIf(values, KeyWorkspaceOutput, opts.Paths.Output)
	setIf(values, KeyWorkspaceConfig, opts.Paths.Config)
	setIf(values, KeyServiceProxyURL, opts.ProxyEndpoint)

	return &Context{values: values}
}

// FromEnviron reads a Context back from an os.Environ style slice. Workers
// use it to discover their execution and gateway.
func FromEnviron(environ []string) *Context {
	values := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !IsReserved(k) {
			continue
		}
		setIf(values, k, v)
	}
	return &Context{values: values}
}

func setIf(values map[string]string, key, value string) {
	if value != "" {
		values[key] = value
	}
}

// Get returns the value for key
func (c *Context) Get(key string) (string, bool) {
	v, ok := c.values[key]
	return v, ok
}

// ExecutionID returns the EXECUTION_ID value
func (c *Context) ExecutionID() string {
	return c.values[KeyExecutionID]
}

// ProxyEndpoint returns SERVICE_PROXY_URL or an empty string
func (c *Context) ProxyEndpoint() string {
	return c.values[KeyServiceProxyURL]
}

// ServiceAccess reports whether the execution may reach platform services
func (c *Context) ServiceAccess() bool {
	_, ok := c.values[KeyServiceProxyURL]
	return ok
}

// Paths returns the workspace locations recorded in the snapshot
func (c *Context) Paths() Paths {
	return Paths{
		Root:   c.values[KeyWorkspaceRoot],
		Input:  c.values[KeyWorkspaceInput],
		Output: c.values[KeyWorkspaceOutput],
		Config: c.values[KeyWorkspaceConfig],
	}
}

// Len returns the number of entries
func (c *Context) Len() int {
	return len(c.values)
}

// Env renders KEY=VALUE pairs sorted by key. The slice is freshly
// allocated on every call.
func (c *Context) Env() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+c.values[k])
	}
	return env
}
