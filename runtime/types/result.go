package types

import (
	"time"
)

// ExecutionRequest is the envelope handed to a plugin execution
type ExecutionRequest struct {
	PluginID    string        `json:"plugin_id"`
	ExecutionID string        `json:"execution_id"`
	Payload     []byte        `json:"payload,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// ExecutionResult is produced once per execution call and is immutable.
// Failures are reported as data, never as a fault across the sandbox
// boundary.
type ExecutionResult struct {
	PluginID        string        `json:"plugin_id"`
	ExecutionID     string        `json:"execution_id"`
	Success         bool          `json:"success"`
	Output          []byte        `json:"output,omitempty"`
	Error           string        `json:"error,omitempty"`
	ErrorCode       Code          `json:"error_code,omitempty"`
	Warnings        []string      `json:"warnings,omitempty"`
	ExecutionTime   time.Duration `json:"execution_time"`
	MemoryUsed      int64         `json:"memory_used"`
	FilesCreated    int           `json:"files_created"`
	NetworkRequests int           `json:"network_requests"`
}

// FailedResult builds a failure result for the given request
func FailedResult(req *ExecutionRequest, code Code, message string, elapsed time.Duration) *ExecutionResult {
	return &ExecutionResult{
		PluginID:      req.PluginID,
		ExecutionID:   req.ExecutionID,
		Success:       false,
		Error:         message,
		ErrorCode:     code,
		ExecutionTime: elapsed,
	}
}
