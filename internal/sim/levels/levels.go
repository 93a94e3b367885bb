package levels

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Level is one tier of a plot. Capacity is the per-material stock limit of
// the plot inventory.
type Level struct {
	Capacity int64   `yaml:"capacity" json:"capacity"`
	Tax      float64 `yaml:"tax" json:"tax"`
	ReqMoney float64 `yaml:"req_money" json:"req_money"`
	Perm     string  `yaml:"perm,omitempty" json:"perm,omitempty"`
}

// Catalog is the ordered, immutable list of levels. Plots refer to a level
// by its position.
type Catalog struct {
	levels []Level
	digest string
}

const schemaURL = "levels.schema.json"

const levelsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["levels"],
  "properties": {
    "levels": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["capacity"],
        "properties": {
          "capacity": {"type": "integer", "minimum": 1},
          "tax": {"type": "number", "minimum": 0},
          "req_money": {"type": "number", "minimum": 0},
          "perm": {"type": "string"}
        },
        "additionalProperties": false
      }
    }
  }
}`

var schema = jsonschema.MustCompileString(schemaURL, levelsSchema)

type file struct {
	Levels []Level `yaml:"levels"`
}

// New builds a catalog from explicit levels; it is mostly used by tests and
// as the fallback when no levels file exists.
func New(levels ...Level) *Catalog {
	out := make([]Level, len(levels))
	copy(out, levels)
	b, _ := json.Marshal(out)
	return &Catalog{levels: out, digest: sha256Hex(b)}
}

// Defaults mirrors the stock three-tier setup.
func Defaults() *Catalog {
	return New(
		Level{Capacity: 640, Tax: 20},
		Level{Capacity: 1280, Tax: 15, ReqMoney: 50000},
		Level{Capacity: 2560, Tax: 10, ReqMoney: 150000},
	)
}

func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("levels.yaml: %w", err)
	}
	// The validator expects JSON-shaped values (float64 numbers).
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("levels.yaml: %w", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return nil, fmt.Errorf("levels.yaml: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("levels.yaml: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("levels.yaml: %w", err)
	}
	for i := range f.Levels {
		f.Levels[i].Perm = strings.TrimSpace(f.Levels[i].Perm)
	}
	c := New(f.Levels...)
	c.digest = sha256Hex(raw)
	return c, nil
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.levels)
}

func (c *Catalog) Valid(index int) bool { return index >= 0 && index < c.Len() }

// At returns the level at index; ok is false when the index is out of range.
func (c *Catalog) At(index int) (Level, bool) {
	if !c.Valid(index) {
		return Level{}, false
	}
	return c.levels[index], true
}

// Clamp maps an arbitrary stored index into the catalog range.
func (c *Catalog) Clamp(index int) int {
	if index < 0 {
		return 0
	}
	if n := c.Len(); index >= n {
		return n - 1
	}
	return index
}

func (c *Catalog) Digest() string {
	if c == nil {
		return ""
	}
	return c.digest
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
