package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrOversized marks a value above its configured byte ceiling.
	ErrOversized = errors.New("value exceeds size limit")
	// ErrBadGeometry marks a selection with unusable coordinates.
	ErrBadGeometry = errors.New("invalid selection geometry")
	// ErrBadShape marks a payload that fails structural validation.
	ErrBadShape = errors.New("payload shape invalid")
)

// Limits holds the configured byte ceilings and the tombstone-flood
// threshold.
type Limits struct {
	// MaxNoteBytes bounds note and transcription text+HTML. Exceeding
	// it rejects the whole item (a runaway payload taints everything
	// it arrived with).
	MaxNoteBytes int
	// MaxMetadataBytes bounds a single metadata value. Exceeding it
	// excludes only that record.
	MaxMetadataBytes int
	// TombstoneFloodThreshold is the tombstoned fraction of an item's
	// combined sub-resource entries above which a warning is emitted.
	// Warning only: mass deletion may be legitimate.
	TombstoneFloodThreshold float64
}

// DefaultLimits mirror the reference configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxNoteBytes:            262144,
		MaxMetadataBytes:        65536,
		TombstoneFloodThreshold: 0.8,
	}
}

// CheckNoteSize enforces the note/transcription ceiling.
func (l Limits) CheckNoteSize(text, html string) error {
	if l.MaxNoteBytes > 0 && len(text)+len(html) > l.MaxNoteBytes {
		return fmt.Errorf("%w: %d bytes over %d", ErrOversized, len(text)+len(html), l.MaxNoteBytes)
	}
	return nil
}

// CheckMetadataSize enforces the per-value metadata ceiling.
func (l Limits) CheckMetadataSize(value string) error {
	if l.MaxMetadataBytes > 0 && len(value) > l.MaxMetadataBytes {
		return fmt.Errorf("%w: %d bytes over %d", ErrOversized, len(value), l.MaxMetadataBytes)
	}
	return nil
}

// TombstoneFlood reports whether the tombstoned fraction of an item's
// entries crosses the warning threshold.
func (l Limits) TombstoneFlood(live, tombstoned int) bool {
	total := live + tombstoned
	if total == 0 || l.TombstoneFloodThreshold <= 0 {
		return false
	}
	return float64(tombstoned)/float64(total) > l.TombstoneFloodThreshold
}

// Geometry is a selection region. Zero is a valid position and
// rotation; only width and height must be strictly positive.
type Geometry struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	W        float64 `json:"w"`
	H        float64 `json:"h"`
	Rotation float64 `json:"rotation"`
}

// CheckGeometry validates a selection region.
func CheckGeometry(g Geometry) error {
	for name, v := range map[string]float64{"x": g.X, "y": g.Y, "w": g.W, "h": g.H, "rotation": g.Rotation} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrBadGeometry, name)
		}
	}
	if g.W <= 0 || g.H <= 0 {
		return fmt.Errorf("%w: width and height must be positive (w=%v h=%v)", ErrBadGeometry, g.W, g.H)
	}
	return nil
}

// selectionSchema validates the structural shape of a selection value
// before the numeric checks run, so a malformed payload (strings where
// numbers belong, missing dimensions) is rejected with a precise error.
const selectionSchema = `{
	"type": "object",
	"required": ["x", "y", "w", "h"],
	"properties": {
		"x": {"type": "number"},
		"y": {"type": "number"},
		"w": {"type": "number"},
		"h": {"type": "number"},
		"rotation": {"type": "number"}
	}
}`

var compiledSelectionSchema = mustCompile("selection.json", selectionSchema)

func mustCompile(name, schema string) *jsonschema.Schema {
	docValue, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, docValue); err != nil {
		panic(err)
	}
	compiled, err := compiler.Compile(name)
	if err != nil {
		panic(err)
	}
	return compiled
}

// ParseSelection decodes and validates a selection payload, combining
// the schema gate with the geometry gate.
func ParseSelection(payload string) (Geometry, error) {
	var instance any
	if err := json.Unmarshal([]byte(payload), &instance); err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	if err := compiledSelectionSchema.Validate(instance); err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	var g Geometry
	if err := json.Unmarshal([]byte(payload), &g); err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrBadShape, err)
	}
	if err := CheckGeometry(g); err != nil {
		return Geometry{}, err
	}
	return g, nil
}

// NormalizeText trims text for content-based dedup comparisons.
func NormalizeText(s string) string {
	return strings.TrimSpace(s)
}
