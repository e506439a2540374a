package protocol

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/inbound/*.json schemas/outbound/*.json
var schemasFS embed.FS

// ErrUnknownType is returned when a frame carries a type tag that is not part
// of its direction's union. Callers treat this exactly like any other
// validation failure: drop the frame and bump the invalid-message counter.
var ErrUnknownType = errors.New("protocol: unknown message type")

// ValidationError describes a frame that failed schema validation.
type ValidationError struct {
	Type      MessageType
	Direction Direction
	Problems  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s %s frame: %s",
		e.Direction, e.Type, strings.Join(e.Problems, "; "))
}

// schemaFiles maps each message type to its schema file, per direction.
// Several types share a schema: host-discovered and host-updated carry the
// same host payload, and the per-host command frames all target by name.
var schemaFiles = map[Direction]map[MessageType]string{
	DirectionInbound: {
		MsgRegister:       "schemas/inbound/register.json",
		MsgHeartbeat:      "schemas/inbound/heartbeat.json",
		MsgHostDiscovered: "schemas/inbound/host-event.json",
		MsgHostUpdated:    "schemas/inbound/host-event.json",
		MsgHostRemoved:    "schemas/inbound/host-removed.json",
		MsgScanComplete:   "schemas/inbound/scan-complete.json",
		MsgCommandResult:  "schemas/inbound/command-result.json",
	},
	DirectionOutbound: {
		MsgRegistered:    "schemas/outbound/registered.json",
		MsgWake:          "schemas/outbound/wake.json",
		MsgScan:          "schemas/outbound/scan.json",
		MsgUpdateHost:    "schemas/outbound/update-host.json",
		MsgDeleteHost:    "schemas/outbound/host-name.json",
		MsgScanHostPorts: "schemas/outbound/host-name.json",
		MsgPingHost:      "schemas/outbound/host-name.json",
		MsgSleepHost:     "schemas/outbound/host-name.json",
		MsgShutdownHost:  "schemas/outbound/host-name.json",
		MsgPing:          "schemas/outbound/ping.json",
		MsgError:         "schemas/outbound/error.json",
	},
}

// Validator holds the compiled JSON Schemas for both frame unions.
// Compile once at startup and share; Validate is safe for concurrent use.
type Validator struct {
	schemas map[Direction]map[MessageType]*gojsonschema.Schema
}

// NewValidator compiles every embedded schema. An error here is a build
// defect, not a runtime condition — callers should fail startup.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[Direction]map[MessageType]*gojsonschema.Schema)}

	// Compile each distinct file once, then alias shared schemas.
	compiled := make(map[string]*gojsonschema.Schema)
	for dir, files := range schemaFiles {
		v.schemas[dir] = make(map[MessageType]*gojsonschema.Schema, len(files))
		for msgType, file := range files {
			schema, ok := compiled[file]
			if !ok {
				raw, err := schemasFS.ReadFile(file)
				if err != nil {
					return nil, fmt.Errorf("protocol: read schema %s: %w", file, err)
				}
				schema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
				if err != nil {
					return nil, fmt.Errorf("protocol: compile schema %s: %w", file, err)
				}
				compiled[file] = schema
			}
			v.schemas[dir][msgType] = schema
		}
	}
	return v, nil
}

// Validate checks a frame envelope against the schema for its type and
// direction. It returns ErrUnknownType for unrecognised tags and a
// *ValidationError when the payload does not conform. A nil return means the
// frame may be dispatched.
func (v *Validator) Validate(dir Direction, env Envelope) error {
	schema, ok := v.schemas[dir][env.Type]
	if !ok {
		return fmt.Errorf("%w: %q (%s)", ErrUnknownType, env.Type, dir)
	}

	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		// Payload is not even parseable JSON.
		return &ValidationError{Type: env.Type, Direction: dir, Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		problems = append(problems, re.String())
	}
	return &ValidationError{Type: env.Type, Direction: dir, Problems: problems}
}

// DecodeAndValidate parses a raw wire frame and validates it in one step.
// Frames that are not JSON objects with a string type tag fail with
// ErrUnknownType so the caller's handling stays uniform.
func (v *Validator) DecodeAndValidate(dir Direction, raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: unparseable frame", ErrUnknownType)
	}
	if err := v.Validate(dir, env); err != nil {
		return env, err
	}
	return env, nil
}
