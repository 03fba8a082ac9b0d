package jobs

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Callback kinds, named by the subject suffix after "<prefix>.callbacks.".
const (
	CallbackSnapshotStaged   = "snapshot.staged"
	CallbackSnapshotItem     = "snapshot.item"
	CallbackSnapshotComplete = "snapshot.complete"
	CallbackSnapshotFailed   = "snapshot.failed"
	CallbackRestoreComplete  = "restore.complete"
)

var callbackSchemas = map[string]string{
	CallbackSnapshotStaged: `{"type":"object","required":["snapshotId"],"properties":{
		"snapshotId":{"type":"string","minLength":1},
		"totalSizeInBytes":{"type":"integer","minimum":0}}}`,
	CallbackSnapshotItem: `{"type":"object","required":["snapshotId","contentId","properties"],"properties":{
		"snapshotId":{"type":"string","minLength":1},
		"contentId":{"type":"string","minLength":1},
		"properties":{"type":"object","required":["content-checksum"],
			"properties":{"content-checksum":{"type":"string","minLength":1}},
			"additionalProperties":{"type":"string"}}}}`,
	CallbackSnapshotComplete: `{"type":"object","required":["snapshotId"],"properties":{
		"snapshotId":{"type":"string","minLength":1}}}`,
	CallbackSnapshotFailed: `{"type":"object","required":["snapshotId"],"properties":{
		"snapshotId":{"type":"string","minLength":1},
		"detail":{"type":"string"}}}`,
	CallbackRestoreComplete: `{"type":"object","required":["restorationId"],"properties":{
		"restorationId":{"type":"integer","minimum":1}}}`,
}

// validator checks callback payloads against their schemas.
type validator struct {
	schemas map[string]*gojsonschema.Schema
}

func newValidator() (*validator, error) {
	v := &validator{schemas: make(map[string]*gojsonschema.Schema)}
	for kind, text := range callbackSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", kind, err)
		}
		v.schemas[kind] = schema
	}
	return v, nil
}

func (v *validator) validate(kind string, data []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("unknown callback %q", kind)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
