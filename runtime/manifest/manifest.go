// Package manifest parses declarative plugin descriptors into validated
// metadata records.
package manifest

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/secforge/plugrun/runtime/types"
)

// DefaultEntryPoint is the exported function every plugin must provide
const DefaultEntryPoint = "execute"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// rawManifest mirrors the on-disk TOML shape
type rawManifest struct {
	Plugin struct {
		ID                 string `toml:"id" validate:"required"`
		Name               string `toml:"name" validate:"required"`
		Version            string `toml:"version" validate:"required"`
		Type               string `toml:"type"`
		EntryPoint         string `toml:"entry_point"`
		RequiredAPIVersion string `toml:"required_api_version"`
		Signature          string `toml:"signature"`
	} `toml:"plugin"`
	Dependencies   map[string]any `toml:"dependencies"`
	Permissions    []string       `toml:"permissions"`
	ResourceLimits rawLimits      `toml:"resource_limits"`
	Tags           []string       `toml:"tags"`
	Configuration  map[string]any `toml:"configuration"`
}

type rawLimits struct {
	MaxMemoryMB           *int64 `toml:"max_memory_mb"`
	MaxCPUTimeMS          *int64 `toml:"max_cpu_time_ms"`
	MaxFileHandles        *int   `toml:"max_file_handles"`
	MaxNetworkConnections *int   `toml:"max_network_connections"`
	MaxExecutionTimeMS    *int64 `toml:"max_execution_time_ms"`
}

// ParseFile reads and parses a manifest file
func ParseFile(path string) (*types.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.CodeLoadingFailed, "", "failed to read manifest", err)
	}
	return Parse(data)
}

// Parse produces a Metadata record from descriptor bytes, or a
// configuration error naming the offending field.
func Parse(data []byte) (*types.Metadata, error) {
	var raw rawManifest
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, types.WrapError(types.CodeConfigurationInvalid, "", "malformed manifest", err)
	}

	if err := validate.Struct(&raw); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, types.NewError(types.CodeConfigurationInvalid, raw.Plugin.ID,
				fmt.Sprintf("missing required field %q", fieldErrs[0].Field()))
		}
		return nil, types.WrapError(types.CodeConfigurationInvalid, raw.Plugin.ID, "manifest validation failed", err)
	}

	id := raw.Plugin.ID

	if _, err := semver.NewVersion(raw.Plugin.Version); err != nil {
		return nil, types.NewError(types.CodeConfigurationInvalid, id,
			fmt.Sprintf("unparseable version %q", raw.Plugin.Version))
	}

	pluginType := types.TypeWasm
	if raw.Plugin.Type != "" {
		parsed, ok := types.ParsePluginType(raw.Plugin.Type)
		if !ok {
			return nil, types.NewError(types.CodeConfigurationInvalid, id,
				fmt.Sprintf("unknown plugin type %q", raw.Plugin.Type))
		}
		pluginType = parsed
	}

	entryPoint := raw.Plugin.EntryPoint
	if entryPoint == "" {
		entryPoint = DefaultEntryPoint
	}

	if raw.Plugin.RequiredAPIVersion != "" {
		if _, err := semver.NewConstraint(raw.Plugin.RequiredAPIVersion); err != nil {
			return nil, types.NewError(types.CodeConfigurationInvalid, id,
				fmt.Sprintf("unparseable required_api_version %q", raw.Plugin.RequiredAPIVersion))
		}
	}

	var signature []byte
	if raw.Plugin.Signature != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw.Plugin.Signature)
		if err != nil {
			return nil, types.NewError(types.CodeConfigurationInvalid, id, "signature is not valid base64")
		}
		signature = decoded
	}

	deps, err := parseDependencies(id, raw.Dependencies)
	if err != nil {
		return nil, err
	}

	perms, err := parsePermissions(id, raw.Permissions)
	if err != nil {
		return nil, err
	}

	limits, err := parseLimits(id, raw.ResourceLimits)
	if err != nil {
		return nil, err
	}

	return &types.Metadata{
		ID:                 id,
		Name:               raw.Plugin.Name,
		Version:            raw.Plugin.Version,
		Type:               pluginType,
		EntryPoint:         entryPoint,
		RequiredAPIVersion: raw.Plugin.RequiredAPIVersion,
		Dependencies:       deps,
		Permissions:        perms,
		Limits:             limits,
		Signature:          signature,
		Tags:               raw.Tags,
		Configuration:      raw.Configuration,
	}, nil
}

// parseDependencies accepts either `name = "requirement"` or
// `name = {version = "...", optional = true}` entries.
func parseDependencies(id string, raw map[string]any) ([]types.Dependency, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	deps := make([]types.Dependency, 0, len(raw))
	for name, value := range raw {
		dep := types.Dependency{Name: name}

		switch v := value.(type) {
		case string:
			dep.Requirement = v
		case map[string]any:
			if req, ok := v["version"].(string); ok {
				dep.Requirement = req
			}
			if opt, ok := v["optional"].(bool); ok {
				dep.Optional = opt
			}
		default:
			return nil, types.NewError(types.CodeConfigurationInvalid, id,
				fmt.Sprintf("malformed dependency entry %q", name))
		}

		if dep.Requirement == "" {
			return nil, types.NewError(types.CodeConfigurationInvalid, id,
				fmt.Sprintf("dependency %q is missing a version requirement", name))
		}
		if _, err := semver.NewConstraint(dep.Requirement); err != nil {
			return nil, types.NewError(types.CodeConfigurationInvalid, id,
				fmt.Sprintf("dependency %q has unparseable requirement %q", name, dep.Requirement))
		}

		deps = append(deps, dep)
	}
	return deps, nil
}

// parsePermissions applies the kind:arguments convention. Unrecognized
// kinds become named custom permissions so newer manifests keep loading on
// older hosts.
func parsePermissions(id string, raw []string) ([]types.Permission, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	perms := make([]types.Permission, 0, len(raw))
	for _, entry := range raw {
		if entry == "" {
			return nil, types.NewError(types.CodeConfigurationInvalid, id, "empty permission entry")
		}

		kind, args, _ := strings.Cut(entry, ":")
		var argList []string
		if args != "" {
			for _, a := range strings.Split(args, ",") {
				a = strings.TrimSpace(a)
				if a != "" {
					argList = append(argList, a)
				}
			}
		}

		switch types.PermissionKind(kind) {
		case types.PermFileRead, types.PermFileWrite, types.PermNetwork, types.PermEnv:
			if len(argList) == 0 {
				return nil, types.NewError(types.CodeConfigurationInvalid, id,
					fmt.Sprintf("permission %q requires arguments", kind))
			}
			perms = append(perms, types.Permission{Kind: types.PermissionKind(kind), Args: argList})
		case types.PermProcess, types.PermSystem, types.PermPluginComm:
			perms = append(perms, types.Permission{Kind: types.PermissionKind(kind)})
		default:
			perms = append(perms, types.Permission{Kind: types.PermCustom, Name: kind, Args: argList})
		}
	}
	return perms, nil
}

// parseLimits applies documented defaults for every omitted field
func parseLimits(id string, raw rawLimits) (types.ResourceLimits, error) {
	limits := types.DefaultResourceLimits()

	if raw.MaxMemoryMB != nil {
		if *raw.MaxMemoryMB <= 0 {
			return limits, types.NewError(types.CodeConfigurationInvalid, id, "max_memory_mb must be greater than 0")
		}
		limits.MaxMemoryBytes = *raw.MaxMemoryMB * 1024 * 1024
	}
	if raw.MaxCPUTimeMS != nil {
		if *raw.MaxCPUTimeMS <= 0 {
			return limits, types.NewError(types.CodeConfigurationInvalid, id, "max_cpu_time_ms must be greater than 0")
		}
		limits.MaxCPUTimeMS = *raw.MaxCPUTimeMS
	}
	if raw.MaxFileHandles != nil {
		if *raw.MaxFileHandles <= 0 {
			return limits, types.NewError(types.CodeConfigurationInvalid, id, "max_file_handles must be greater than 0")
		}
		limits.MaxFileHandles = *raw.MaxFileHandles
	}
	if raw.MaxNetworkConnections != nil {
		if *raw.MaxNetworkConnections < 0 {
			return limits, types.NewError(types.CodeConfigurationInvalid, id, "max_network_connections must not be negative")
		}
		limits.MaxNetworkConnections = *raw.MaxNetworkConnections
	}
	if raw.MaxExecutionTimeMS != nil {
		if *raw.MaxExecutionTimeMS <= 0 {
			return limits, types.NewError(types.CodeConfigurationInvalid, id, "max_execution_time_ms must be greater than 0")
		}
		limits.MaxExecutionTimeMS = *raw.MaxExecutionTimeMS
	}

	return limits, nil
}

// CheckRequirement reports whether version satisfies requirement
func CheckRequirement(version, requirement string) (bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("unparseable version %q: %v", version, err)
	}
	c, err := semver.NewConstraint(requirement)
	if err != nil {
		return false, fmt.Errorf("unparseable requirement %q: %v", requirement, err)
	}
	return c.Check(v), nil
}
