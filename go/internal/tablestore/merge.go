package tablestore

import (
	"encoding/json"
	"fmt"

	"github.com/feltlabs/felt/go/internal/models"
)

// applyFields merges a FieldSet into a table by JSON field name and returns
// the merged copy. The input table is not modified. This mirrors the
// shallow `doc || fields` merge the Postgres backend performs server-side,
// so every backend agrees on merge semantics.
func applyFields(t *models.Table, fields FieldSet) (*models.Table, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal table: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode table doc: %w", err)
	}
	for k, v := range fields {
		enc, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal field %q: %w", k, err)
		}
		doc[k] = enc
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode merged doc: %w", err)
	}
	var out models.Table
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, fmt.Errorf("decode merged table: %w", err)
	}
	return &out, nil
}

// cloneTable deep-copies a table through its JSON form so callers can hand
// snapshots to subscribers without sharing slices or maps.
func cloneTable(t *models.Table) (*models.Table, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out models.Table
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
