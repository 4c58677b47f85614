package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedReport is returned for result files that are not a JSON object
var ErrMalformedReport = errors.New("malformed result file")

// WorkerReport is the schema of output/result.json and output/results.json.
// Operations may add any other fields; they are kept as metadata.
type WorkerReport struct {
	ExecutionID        string      `json:"execution_id,omitempty"`
	Status             string      `json:"status,omitempty"`
	Message            string      `json:"message,omitempty"`
	InputGraphStats    *GraphStats `json:"input_graph_stats,omitempty"`
	ConfigKeys         []string    `json:"config_keys,omitempty"`
	InputFiles         []string    `json:"input_files,omitempty"`
	ServiceProxyStatus string      `json:"service_proxy_status,omitempty"`
	AvailableServices  []string    `json:"available_services,omitempty"`
	ServiceProxyError  string      `json:"service_proxy_error,omitempty"`
}

// Failed reports whether the worker declared its own failure
func (r *WorkerReport) Failed() bool {
	return r.Status == "failed" || r.Status == "error"
}

// ParseWorkerReport decodes a result file. Any JSON object is accepted;
// the typed view is derived leniently from it.
func ParseWorkerReport(data []byte) (*WorkerReport, map[string]interface{}, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, nil, fmt.Errorf("%w: not a JSON object", ErrMalformedReport)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	return ReportFromFields(fields), fields, nil
}

// ReportFromFields builds the typed view of a result object. Well-known
// fields holding a value of the wrong type are left zero.
func ReportFromFields(fields map[string]interface{}) *WorkerReport {
	r := &WorkerReport{}
	field(fields, "execution_id", &r.ExecutionID)
	field(fields, "status", &r.Status)
	field(fields, "message", &r.Message)
	field(fields, "input_graph_stats", &r.InputGraphStats)
	field(fields, "config_keys", &r.ConfigKeys)
	field(fields, "input_files", &r.InputFiles)
	field(fields, "service_proxy_status", &r.ServiceProxyStatus)
	field(fields, "available_services", &r.AvailableServices)
	field(fields, "service_proxy_error", &r.ServiceProxyError)
	return r
}

func field[T any](fields map[string]interface{}, key string, dst *T) {
	value, ok := fields[key]
	if !ok {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		return
	}
	var v T
	if err := json.Unmarshal(data, &v); err == nil {
		*dst = v
	}
}
