package contracts

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Runtime selects how an executable artifact's code is run.
type Runtime string

const (
	RuntimeNative Runtime = "native"
	RuntimeCEL    Runtime = "cel"
	RuntimeWASM   Runtime = "wasm"
)

// Judgment payers a manifest may designate.
const (
	PayerCaller   = "caller"
	PayerContract = "contract"
	PayerTarget   = "target"
)

// CurrentABI is the host ABI this kernel implements. Manifests must declare
// a version compatible with it.
const CurrentABI = "1.0.0"

const abiConstraint = "^1"

var (
	ErrInvalidManifest = errors.New("contracts: invalid manifest")
	ErrIncompatibleABI = errors.New("contracts: incompatible abi")
)

// Manifest is the JSON content of an executable artifact.
type Manifest struct {
	Runtime Runtime `json:"runtime"`
	ABI     string  `json:"abi"`

	// Name selects a program from the native registry.
	Name string `json:"name,omitempty"`

	// CheckPermission and Methods are CEL expressions.
	CheckPermission string            `json:"check_permission,omitempty"`
	Methods         map[string]string `json:"methods,omitempty"`

	// Module is a WASI command module.
	Module []byte `json:"module,omitempty"`

	UsesJudgment  bool   `json:"uses_judgment,omitempty"`
	JudgmentPayer string `json:"judgment_payer,omitempty"`
	TimeoutMS     int64  `json:"timeout_ms,omitempty"`
}

// Timeout is the manifest's own execution bound, zero if unset.
func (m *Manifest) Timeout() time.Duration {
	return time.Duration(m.TimeoutMS) * time.Millisecond
}

// Payer returns the designated judgment payer, defaulting to the caller.
func (m *Manifest) Payer() string {
	if m.JudgmentPayer == "" {
		return PayerCaller
	}
	return m.JudgmentPayer
}

//go:embed manifest.schema.json
var manifestSchemaJSON string

const manifestSchemaURL = "https://agora.schemas.local/contracts/manifest.schema.json"

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, bytes.NewReader([]byte(manifestSchemaJSON))); err != nil {
			manifestSchemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile(manifestSchemaURL)
	})
	return manifestSchema, manifestSchemaErr
}

// ParseManifest validates content against the manifest schema and the
// kernel ABI and decodes it.
func ParseManifest(content []byte) (*Manifest, error) {
	schema, err := compiledManifestSchema()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	var m Manifest
	if err := json.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := checkABI(m.ABI); err != nil {
		return nil, err
	}
	return &m, nil
}

func checkABI(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q is not a version", ErrIncompatibleABI, v)
	}
	c, err := semver.NewConstraint(abiConstraint)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatibleABI, v, abiConstraint)
	}
	return nil
}
