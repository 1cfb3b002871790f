package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrCorruptDocument marks a persisted registry that cannot be trusted.
var ErrCorruptDocument = errors.New("corrupt registry document")

// FolderRecord is one recently opened origin tree.
type FolderRecord struct {
	TreeID       string
	DisplayName  string
	LastOpenedAt time.Time
	MirrorPath   string
}

type persistedRecord struct {
	TreeID       string `json:"treeId"`
	DisplayName  string `json:"displayName"`
	LastOpenedAt int64  `json:"lastOpenedAt"`
	MirrorPath   string `json:"mirrorDirectoryPath"`
}

const recordsSchemaURL = "treemirror://registry.schema.json"

const recordsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["treeId", "displayName", "lastOpenedAt", "mirrorDirectoryPath"],
    "properties": {
      "treeId": {"type": "string", "minLength": 1},
      "displayName": {"type": "string"},
      "lastOpenedAt": {"type": "integer", "minimum": 0},
      "mirrorDirectoryPath": {"type": "string"}
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func recordsValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordsSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(recordsSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(recordsSchemaURL)
	})
	return schema, schemaErr
}

// encodeRecords renders records most-recent-first in the persisted format.
func encodeRecords(records []FolderRecord) ([]byte, error) {
	out := make([]persistedRecord, 0, len(records))
	for _, r := range records {
		out = append(out, persistedRecord{
			TreeID:       r.TreeID,
			DisplayName:  r.DisplayName,
			LastOpenedAt: r.LastOpenedAt.UnixMilli(),
			MirrorPath:   r.MirrorPath,
		})
	}
	return json.Marshal(out)
}

// decodeRecords validates data against the registry schema before decoding.
func decodeRecords(data []byte) ([]FolderRecord, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	validator, err := recordsValidator()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	if err := validator.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	var persisted []persistedRecord
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}
	out := make([]FolderRecord, 0, len(persisted))
	for _, p := range persisted {
		out = append(out, FolderRecord{
			TreeID:       p.TreeID,
			DisplayName:  p.DisplayName,
			LastOpenedAt: time.UnixMilli(p.LastOpenedAt),
			MirrorPath:   p.MirrorPath,
		})
	}
	return out, nil
}

func cloneRecords(records []FolderRecord) []FolderRecord {
	if records == nil {
		return nil
	}
	out := make([]FolderRecord, len(records))
	copy(out, records)
	return out
}
