package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/secforge/plugrun/runtime/types"
)

func TestEncodeRequest(t *testing.T) {
	data, err := encodeRequest(&types.ExecutionRequest{
		PluginID:    "enrich",
		ExecutionID: "e-42",
		Payload:     []byte("indicators"),
		Timeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	var req guestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatal(err)
	}
	if req.PluginID != "enrich" || req.ExecutionID != "e-42" {
		t.Errorf("decoded %+v", req)
	}
	if string(req.Payload) != "indicators" {
		t.Errorf("payload = %q", req.Payload)
	}
	if req.TimeoutMS != 2000 {
		t.Errorf("timeout = %d", req.TimeoutMS)
	}
}

func TestDecodeResponseEnvelope(t *testing.T) {
	raw, _ := json.Marshal(guestResponse{
		Success:  true,
		Data:     []byte("out"),
		Warnings: []string{"deprecated field"},
	})

	resp := decodeResponse(raw)
	if !resp.Success || string(resp.Data) != "out" {
		t.Errorf("decoded %+v", resp)
	}
	if len(resp.Warnings) != 1 {
		t.Errorf("warnings = %v", resp.Warnings)
	}
}

func TestDecodeResponsePassthrough(t *testing.T) {
	for _, raw := range []string{"plain text", "{not json"} {
		resp := decodeResponse([]byte(raw))
		if !resp.Success {
			t.Errorf("%q: passthrough should succeed", raw)
		}
		if string(resp.Data) != raw {
			t.Errorf("%q: data = %q", raw, resp.Data)
		}
	}
}

func TestRunWithTimeoutCompletes(t *testing.T) {
	err := runWithTimeout(context.Background(), timeoutSpec{op: "fast", d: time.Second},
		func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunWithTimeoutExpires(t *testing.T) {
	err := runWithTimeout(context.Background(), timeoutSpec{op: "slow", d: 20 * time.Millisecond},
		func(ctx context.Context) error {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return nil
		})
	if !errors.Is(err, errOpTimeout) {
		t.Fatalf("got %v, want the timeout sentinel", err)
	}
}

func TestRunWithTimeoutRecoversPanic(t *testing.T) {
	err := runWithTimeout(context.Background(), timeoutSpec{op: "boom", d: time.Second},
		func(context.Context) error { panic("exploded") })
	if err == nil {
		t.Fatal("expected the panic to surface as an error")
	}
}
