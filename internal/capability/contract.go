// Package capability implements bounded, contract-checked side effects.
//
// Each game ships a JSON capability contract next to its source file. The
// contract names the services a game may call, the functions each service
// exposes, per-argument schemas, timeouts, and canned mock payloads for
// tests. The invoker enforces two gates before anything leaves the process:
// the game's compiled allowlist and the contract's argument schema.
//
// Allowlist denials are policy violations: the caller gets a non-executing
// "not allowed" status with a user-safe message and no contract diagnostics.
// The details go to the logs only.
package capability

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wittgen/lgdl/pkg/lgerr"
)

// DefaultTimeout bounds awaited calls when neither the function nor its
// service declares one.
const DefaultTimeout = 10 * time.Second

// ArgType is the closed set of contract argument types.
type ArgType string

const (
	ArgString  ArgType = "string"
	ArgNumber  ArgType = "number"
	ArgBoolean ArgType = "boolean"
)

// ArgSpec describes one argument of a contract function.
type ArgSpec struct {
	Name     string  `json:"name"`
	Type     ArgType `json:"type"`
	Required bool    `json:"required"`
}

// FunctionSpec describes one callable function.
type FunctionSpec struct {
	Args []ArgSpec `json:"args"`

	// TimeoutSeconds overrides the service default for this function.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`

	// Mock is the canned payload returned by the mock transport in tests.
	Mock json.RawMessage `json:"mock,omitempty"`
}

// TransportSpec tells the invoker how to reach a service.
type TransportSpec struct {
	// Kind is "mcp-stdio", "mcp-http", or "mock".
	Kind string `json:"kind"`

	// Command is the server command line for mcp-stdio.
	Command string `json:"command,omitempty"`

	// URL is the endpoint for mcp-http.
	URL string `json:"url,omitempty"`

	// Env holds extra environment variables for spawned servers.
	Env map[string]string `json:"env,omitempty"`
}

// ServiceSpec describes one external service.
type ServiceSpec struct {
	Transport TransportSpec `json:"transport"`

	// DefaultTimeoutSeconds applies to functions without their own timeout.
	DefaultTimeoutSeconds float64 `json:"default_timeout_seconds,omitempty"`

	Functions map[string]*FunctionSpec `json:"functions"`
}

// Contract is a game's full capability contract.
type Contract struct {
	Services map[string]*ServiceSpec `json:"services"`
}

// LoadContract reads and parses the contract file at path.
func LoadContract(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capability contract: read %s: %w", path, err)
	}
	var c Contract
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("capability contract: parse %s: %w", path, err)
	}
	return &c, nil
}

// Function resolves "service.function" against the contract.
func (c *Contract) Function(service, function string) (*ServiceSpec, *FunctionSpec, error) {
	svc, ok := c.Services[service]
	if !ok {
		return nil, nil, lgerr.New(lgerr.CodeCapabilityFailed,
			"service %q not in contract", service)
	}
	fn, ok := svc.Functions[function]
	if !ok {
		return nil, nil, lgerr.New(lgerr.CodeCapabilityFailed,
			"function %q not declared by service %q", function, service)
	}
	return svc, fn, nil
}

// Timeout returns the effective awaited-call deadline for a function,
// honouring action override > function > service > [DefaultTimeout].
func (c *Contract) Timeout(svc *ServiceSpec, fn *FunctionSpec, actionSeconds float64) time.Duration {
	switch {
	case actionSeconds > 0:
		return time.Duration(actionSeconds * float64(time.Second))
	case fn.TimeoutSeconds > 0:
		return time.Duration(fn.TimeoutSeconds * float64(time.Second))
	case svc.DefaultTimeoutSeconds > 0:
		return time.Duration(svc.DefaultTimeoutSeconds * float64(time.Second))
	default:
		return DefaultTimeout
	}
}

// ValidateArgs checks args against fn's schema: required arguments present,
// no undeclared arguments, values coercible to the declared type. Returns a
// coded E211 on the first violation.
func ValidateArgs(service, function string, fn *FunctionSpec, args map[string]string) error {
	declared := make(map[string]ArgSpec, len(fn.Args))
	for _, spec := range fn.Args {
		declared[spec.Name] = spec
	}

	for _, spec := range fn.Args {
		v, ok := args[spec.Name]
		if !ok || strings.TrimSpace(v) == "" {
			if spec.Required {
				return lgerr.New(lgerr.CodeCapabilityArgs,
					"%s.%s: required argument %q missing", service, function, spec.Name)
			}
			continue
		}
		if err := checkArgType(spec, v); err != nil {
			return err
		}
	}

	for name := range args {
		if _, ok := declared[name]; !ok {
			return lgerr.New(lgerr.CodeCapabilityArgs,
				"%s.%s: argument %q not in contract", service, function, name)
		}
	}
	return nil
}

func checkArgType(spec ArgSpec, v string) error {
	switch spec.Type {
	case ArgNumber:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return lgerr.New(lgerr.CodeCapabilityArgs,
				"argument %q must be a number, got %q", spec.Name, v)
		}
	case ArgBoolean:
		if _, err := strconv.ParseBool(v); err != nil {
			return lgerr.New(lgerr.CodeCapabilityArgs,
				"argument %q must be a boolean, got %q", spec.Name, v)
		}
	case ArgString, "":
		// Any string is acceptable.
	default:
		return lgerr.New(lgerr.CodeCapabilityArgs,
			"argument %q has unknown contract type %q", spec.Name, spec.Type)
	}
	return nil
}

// typedArgs converts validated string args into their contract types for the
// wire payload.
func typedArgs(fn *FunctionSpec, args map[string]string) map[string]any {
	types := make(map[string]ArgType, len(fn.Args))
	for _, spec := range fn.Args {
		types[spec.Name] = spec.Type
	}

	out := make(map[string]any, len(args))
	for name, v := range args {
		switch types[name] {
		case ArgNumber:
			f, _ := strconv.ParseFloat(v, 64)
			out[name] = f
		case ArgBoolean:
			b, _ := strconv.ParseBool(v)
			out[name] = b
		default:
			out[name] = v
		}
	}
	return out
}
