package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/secforge/plugrun/runtime/types"
)

// guestRequest is the self-describing payload written into guest memory
type guestRequest struct {
	PluginID    string `json:"plugin_id"`
	ExecutionID string `json:"execution_id"`
	Payload     []byte `json:"payload,omitempty"`
	TimeoutMS   int64  `json:"timeout_ms,omitempty"`
}

// guestResponse is the payload read back from guest memory
type guestResponse struct {
	Success         bool     `json:"success"`
	Data            []byte   `json:"data,omitempty"`
	Error           string   `json:"error,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
	FilesCreated    int      `json:"files_created,omitempty"`
	NetworkRequests int      `json:"network_requests,omitempty"`
}

// encodeRequest serializes the execution request for the guest
func encodeRequest(req *types.ExecutionRequest) ([]byte, error) {
	data, err := json.Marshal(&guestRequest{
		PluginID:    req.PluginID,
		ExecutionID: req.ExecutionID,
		Payload:     req.Payload,
		TimeoutMS:   req.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

// decodeResponse parses the guest's returned bytes. Guests that do not
// speak the envelope have their raw output passed through as-is.
func decodeResponse(raw []byte) *guestResponse {
	var resp guestResponse
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &resp); err == nil {
			return &resp
		}
	}
	return &guestResponse{Success: true, Data: raw}
}
