// Package features builds the fixed-order numeric vector consumed by every
// prediction backend, and the categorical encoders that feed it.
package features

import (
	"encoding/json"
	"fmt"
	"os"
)

// Categorical feature names as they appear in encoder files.
const (
	FeatureDeviceType      = "device_type"
	FeatureSegmentCategory = "segment_category"
	FeatureCountry         = "country"
)

// Table maps feature name → category value → score.
type Table map[string]map[string]float64

// Encoder resolves categorical values to scores. It is never mutated after
// construction; reload replaces the whole Encoder.
type Encoder struct {
	table Table
}

// NewEncoder copies t so later changes by the caller cannot leak in.
func NewEncoder(t Table) *Encoder {
	cp := make(Table, len(t))
	for name, values := range t {
		inner := make(map[string]float64, len(values))
		for k, v := range values {
			inner[k] = v
		}
		cp[name] = inner
	}
	return &Encoder{table: cp}
}

// ParseEncoder decodes an encoder table from JSON.
func ParseEncoder(data []byte) (*Encoder, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse encoders: %w", err)
	}
	return &Encoder{table: t}, nil
}

// LoadEncoder reads an encoder table from a JSON file.
func LoadEncoder(path string) (*Encoder, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read encoders %s: %w", path, err)
	}
	return ParseEncoder(data)
}

// Encode returns the score for value, or 0.0 when either the feature or
// the value is unknown. A nil Encoder encodes everything to 0.0.
func (e *Encoder) Encode(feature, value string) float64 {
	if e == nil {
		return 0.0
	}
	values, ok := e.table[feature]
	if !ok {
		return 0.0
	}
	return values[value]
}

// Features lists the feature names present in the table.
func (e *Encoder) Features() []string {
	if e == nil {
		return nil
	}
	names := make([]string, 0, len(e.table))
	for name := range e.table {
		names = append(names, name)
	}
	return names
}
