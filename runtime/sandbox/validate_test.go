package sandbox

import (
	"testing"

	"github.com/secforge/plugrun/runtime/types"
)

func testMetadata(id string) *types.Metadata {
	return &types.Metadata{
		ID:         id,
		Name:       id,
		Version:    "1.0.0",
		Type:       types.TypeWasm,
		EntryPoint: "execute",
		Limits:     types.DefaultResourceLimits(),
	}
}

func TestValidateModuleAcceptsWellFormed(t *testing.T) {
	module := responderModule([]byte("ok"))
	if err := validateModule(testMetadata("demo"), module, 1024); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidateModuleRejectsMissingEntryPoint(t *testing.T) {
	body := []byte{0x00, 0x41, 0x00, 0x41, 0x00, 0x0b}
	module := buildTestModule("run", body, nil)

	err := validateModule(testMetadata("demo"), module, 1024)
	if err == nil {
		t.Fatal("expected an error for a module without the entry point")
	}
	if !types.IsCode(err, types.CodeValidationFailed) {
		t.Fatalf("got code %q, want validation_failed", types.ErrorCode(err))
	}
}

func TestValidateModuleRejectsOversizedMemory(t *testing.T) {
	module := responderModule([]byte("ok")) // declares 2 pages minimum

	err := validateModule(testMetadata("demo"), module, 1)
	if err == nil {
		t.Fatal("expected an error for memory exceeding the page limit")
	}
	if !types.IsCode(err, types.CodeValidationFailed) {
		t.Fatalf("got code %q, want validation_failed", types.ErrorCode(err))
	}
}

func TestValidateModuleRejectsGarbage(t *testing.T) {
	cases := [][]byte{
		nil,
		{0x00, 0x61, 0x73},
		{0xde, 0xad, 0xbe, 0xef, 0x01, 0x00, 0x00, 0x00},
		append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, 0x07, 0xff),
	}
	for i, module := range cases {
		err := validateModule(testMetadata("demo"), module, 1024)
		if !types.IsCode(err, types.CodeValidationFailed) {
			t.Errorf("case %d: got %v, want validation_failed", i, err)
		}
	}
}

func TestValidateModuleCustomEntryPoint(t *testing.T) {
	body := []byte{0x00, 0x41, 0x00, 0x41, 0x00, 0x0b}
	module := buildTestModule("scan", body, nil)

	md := testMetadata("demo")
	md.EntryPoint = "scan"
	if err := validateModule(md, module, 1024); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
