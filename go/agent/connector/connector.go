// Package connector invokes capture and materialization connectors
// over their request/response protocol. Connectors are black boxes; the
// control plane only depends on the shape of the Validate and Discover
// requests and responses, exchanged as newline-delimited JSON over the
// subprocess's stdio.
package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/estuary/flow/go/agent/model"
)

// ConstraintType mirrors the connector protocol's field constraint
// enum.
type ConstraintType string

const (
	ConstraintFieldRequired       ConstraintType = "FIELD_REQUIRED"
	ConstraintLocationRequired    ConstraintType = "LOCATION_REQUIRED"
	ConstraintLocationRecommended ConstraintType = "LOCATION_RECOMMENDED"
	ConstraintFieldOptional       ConstraintType = "FIELD_OPTIONAL"
	ConstraintFieldForbidden      ConstraintType = "FIELD_FORBIDDEN"
	ConstraintUnsatisfiable       ConstraintType = "UNSATISFIABLE"
)

// Constraint is a single field's validation outcome.
type Constraint struct {
	Type   ConstraintType `json:"type"`
	Reason string         `json:"reason"`
}

// ValidateBinding is one binding's resolved resource path and per-field
// constraints, as returned by a connector's Validate RPC.
type ValidateBinding struct {
	ResourcePath []string              `json:"resourcePath"`
	Constraints  map[string]Constraint `json:"constraints"`
}

// ValidateResponse is the full response to a Validate RPC.
type ValidateResponse struct {
	Bindings []ValidateBinding `json:"bindings"`
}

type request struct {
	Name   model.CatalogName `json:"name"`
	Config json.RawMessage   `json:"config"`
}

// Pool dispatches connector RPCs by resolving a spec's connector image to
// an executable and driving it over stdio. Resolve is a seam for tests
// to substitute a fake connector binary.
type Pool struct {
	// Resolve maps a catalog name to the connector binary invoked for its
	// Validate and Discover RPCs, e.g. a flow-connector-init shim.
	Resolve func(name model.CatalogName) (binary string, args []string, err error)
	// Timeout bounds each RPC; zero means defaultRPCTimeout.
	Timeout time.Duration
}

const defaultRPCTimeout = 5 * time.Minute

// DiscoveredBinding is one binding a Discover RPC reported.
type DiscoveredBinding struct {
	RecommendedName string          `json:"recommendedName"`
	ResourceConfig  json.RawMessage `json:"resourceConfig"`
	DocumentSchema  json.RawMessage `json:"documentSchema"`
	Key             []string        `json:"key"`
}

// DiscoverResponse is the full response to a Discover RPC.
type DiscoverResponse struct {
	Bindings []DiscoveredBinding `json:"bindings"`
}

// Validate invokes the connector bound to name's Validate RPC with its
// canonicalized spec, and parses the response.
func (p *Pool) Validate(ctx context.Context, name model.CatalogName, spec json.RawMessage) (*ValidateResponse, error) {
	var resp ValidateResponse
	if err := p.invoke(ctx, name, "validate", spec, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Discover invokes the connector bound to name's Discover RPC with its
// endpoint config, and parses the discovered bindings.
func (p *Pool) Discover(ctx context.Context, name model.CatalogName, endpointConfig json.RawMessage) (*DiscoverResponse, error) {
	var resp DiscoverResponse
	if err := p.invoke(ctx, name, "discover", endpointConfig, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// invoke runs one request/response exchange with the connector bound to
// name: the request is written to stdin as one JSON line, and the last
// JSON line of stdout is decoded into resp. The subprocess is killed if
// ctx is cancelled.
func (p *Pool) invoke(ctx context.Context, name model.CatalogName, rpc string, config json.RawMessage, resp interface{}) error {
	var timeout = p.Timeout
	if timeout == 0 {
		timeout = defaultRPCTimeout
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	var binary, args, err = p.Resolve(name)
	if err != nil {
		return fmt.Errorf("resolving connector for %s: %w", name, err)
	}

	var cmd = exec.CommandContext(ctx, binary, append(append([]string(nil), args...), rpc)...)

	var stdin, werr = cmd.StdinPipe()
	if werr != nil {
		return fmt.Errorf("opening connector stdin: %w", werr)
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting connector %s: %w", binary, err)
	}

	var req = request{Name: name, Config: config}
	go func() {
		defer stdin.Close()
		_ = json.NewEncoder(stdin).Encode(req)
	}()

	if err := cmd.Wait(); err != nil {
		log.WithFields(log.Fields{"connector": binary, "rpc": rpc, "stderr": stderr.String()}).Warn("connector invocation failed")
		return fmt.Errorf("connector %s exited with error: %w", binary, err)
	}

	var scanner = bufio.NewScanner(&stdout)
	scanner.Buffer(nil, maxResponseSize)
	for scanner.Scan() {
		if err := json.Unmarshal(scanner.Bytes(), resp); err != nil {
			return fmt.Errorf("decoding connector response: %w", err)
		}
	}
	return scanner.Err()
}

const maxResponseSize = 1 << 24 // 16 MB.
