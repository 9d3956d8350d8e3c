package manifest

import (
	"strings"
	"testing"

	"github.com/secforge/plugrun/runtime/types"
)

const fullManifest = `
permissions = ["fs_read:/var/lib/intel,/tmp/feeds", "fs_write:*", "network:feeds.example.com", "env:HTTP_PROXY,NO_PROXY", "process", "telemetry_export:ships samples offsite"]
tags = ["enrichment", "intel"]

[plugin]
id = "intel-enricher"
name = "Threat Intel Enricher"
version = "1.4.2"
type = "wasm"
entry_point = "execute"
required_api_version = ">=1.0"

[dependencies]
normalizer = "^2.0"
geoip = { version = ">=1.1", optional = true }

[resource_limits]
max_memory_mb = 128
max_execution_time_ms = 2500

[configuration]
feed_url = "https://feeds.example.com/v1"
`

func TestParseFullManifest(t *testing.T) {
	md, err := Parse([]byte(fullManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if md.ID != "intel-enricher" || md.Name != "Threat Intel Enricher" {
		t.Errorf("Unexpected identity: %q / %q", md.ID, md.Name)
	}
	if md.Type != types.TypeWasm {
		t.Errorf("Unexpected type: %s", md.Type)
	}
	if md.EntryPoint != "execute" {
		t.Errorf("Unexpected entry point: %s", md.EntryPoint)
	}

	if len(md.Dependencies) != 2 {
		t.Fatalf("Unexpected dependency count: %d", len(md.Dependencies))
	}
	var optional int
	for _, dep := range md.Dependencies {
		if dep.Optional {
			optional++
			if dep.Name != "geoip" {
				t.Errorf("Unexpected optional dependency: %s", dep.Name)
			}
		}
	}
	if optional != 1 {
		t.Errorf("Expected exactly one optional dependency, got %d", optional)
	}

	if len(md.Permissions) != 6 {
		t.Fatalf("Unexpected permission count: %d", len(md.Permissions))
	}
	read, ok := md.FindPermission(types.PermFileRead)
	if !ok || len(read.Args) != 2 {
		t.Errorf("Unexpected fs_read grant: %+v", read)
	}
	write, ok := md.FindPermission(types.PermFileWrite)
	if !ok || !write.AllowsAll() {
		t.Errorf("Expected wildcard fs_write grant, got %+v", write)
	}
	custom, ok := md.FindPermission(types.PermCustom)
	if !ok || custom.Name != "telemetry_export" {
		t.Errorf("Unknown kinds must become named custom permissions, got %+v", custom)
	}

	if md.Limits.MaxMemoryBytes != 128*1024*1024 {
		t.Errorf("Unexpected memory limit: %d", md.Limits.MaxMemoryBytes)
	}
	if md.Limits.MaxExecutionTimeMS != 2500 {
		t.Errorf("Unexpected execution limit: %d", md.Limits.MaxExecutionTimeMS)
	}
	// Omitted fields keep defaults
	if md.Limits.MaxCPUTimeMS != types.DefaultMaxCPUTimeMS {
		t.Errorf("Unexpected cpu limit: %d", md.Limits.MaxCPUTimeMS)
	}
	if md.Limits.MaxFileHandles != types.DefaultMaxFileHandles {
		t.Errorf("Unexpected file handle limit: %d", md.Limits.MaxFileHandles)
	}
}

func TestParseMissingFields(t *testing.T) {
	cases := []struct {
		name     string
		manifest string
		want     string
	}{
		{
			name:     "missing id",
			manifest: "[plugin]\nname = \"x\"\nversion = \"1.0.0\"\n",
			want:     "id",
		},
		{
			name:     "missing name",
			manifest: "[plugin]\nid = \"x\"\nversion = \"1.0.0\"\n",
			want:     "name",
		},
		{
			name:     "missing version",
			manifest: "[plugin]\nid = \"x\"\nname = \"x\"\n",
			want:     "version",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.manifest))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !types.IsCode(err, types.CodeConfigurationInvalid) {
				t.Errorf("expected configuration_invalid, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error should name field %q: %v", tc.want, err)
			}
		})
	}
}

func TestParseBadVersion(t *testing.T) {
	_, err := Parse([]byte("[plugin]\nid = \"x\"\nname = \"x\"\nversion = \"not-a-version\"\n"))
	if err == nil || !types.IsCode(err, types.CodeConfigurationInvalid) {
		t.Fatalf("expected configuration_invalid, got %v", err)
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte("[plugin]\nid = \"x\"\nname = \"x\"\nversion = \"1.0.0\"\ntype = \"cobol\"\n"))
	if err == nil || !types.IsCode(err, types.CodeConfigurationInvalid) {
		t.Fatalf("expected configuration_invalid, got %v", err)
	}
}

func TestParseBadDependencyRequirement(t *testing.T) {
	m := "[plugin]\nid = \"x\"\nname = \"x\"\nversion = \"1.0.0\"\n[dependencies]\nfoo = \"not>>valid\"\n"
	_, err := Parse([]byte(m))
	if err == nil || !types.IsCode(err, types.CodeConfigurationInvalid) {
		t.Fatalf("expected configuration_invalid, got %v", err)
	}
}

func TestParsePermissionMissingArgs(t *testing.T) {
	m := "permissions = [\"fs_read\"]\n[plugin]\nid = \"x\"\nname = \"x\"\nversion = \"1.0.0\"\n"
	_, err := Parse([]byte(m))
	if err == nil || !types.IsCode(err, types.CodeConfigurationInvalid) {
		t.Fatalf("expected configuration_invalid, got %v", err)
	}
}

func TestParseRejectsBadLimit(t *testing.T) {
	m := "[plugin]\nid = \"x\"\nname = \"x\"\nversion = \"1.0.0\"\n[resource_limits]\nmax_memory_mb = -1\n"
	_, err := Parse([]byte(m))
	if err == nil || !types.IsCode(err, types.CodeConfigurationInvalid) {
		t.Fatalf("expected configuration_invalid, got %v", err)
	}
}

func TestParseDefaultsApply(t *testing.T) {
	md, err := Parse([]byte("[plugin]\nid = \"x\"\nname = \"x\"\nversion = \"1.0.0\"\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if md.Type != types.TypeWasm {
		t.Errorf("default type should be wasm, got %s", md.Type)
	}
	if md.EntryPoint != DefaultEntryPoint {
		t.Errorf("default entry point should be %q, got %q", DefaultEntryPoint, md.EntryPoint)
	}
	if md.Limits != types.DefaultResourceLimits() {
		t.Errorf("expected default limits, got %+v", md.Limits)
	}
}

func TestCheckRequirement(t *testing.T) {
	ok, err := CheckRequirement("1.4.2", "^1.0")
	if err != nil || !ok {
		t.Errorf("1.4.2 should satisfy ^1.0: ok=%v err=%v", ok, err)
	}
	ok, err = CheckRequirement("2.0.0", "^1.0")
	if err != nil || ok {
		t.Errorf("2.0.0 should not satisfy ^1.0: ok=%v err=%v", ok, err)
	}
}
