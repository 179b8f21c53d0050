package http

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// tieredTPSchema constrains the tiered take-profit document: a non-empty list
// of levels, each a positive profit percentage paired with the fraction of the
// position to peel off, fractions each in (0,1].
const tieredTPSchema = `{
  "type": "array",
  "minItems": 1,
  "maxItems": 10,
  "items": {
    "type": "object",
    "required": ["profit_percent", "close_fraction"],
    "properties": {
      "profit_percent": {"type": "number", "exclusiveMinimum": 0},
      "close_fraction": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
    },
    "additionalProperties": false
  }
}`

var tieredTPCompiled = jsonschema.MustCompileString("tiered_tp_levels.json", tieredTPSchema)

func validateTieredTPLevels(doc string) error {
	dec := json.NewDecoder(strings.NewReader(doc))
	dec.UseNumber()
	var parsed interface{}
	if err := dec.Decode(&parsed); err != nil {
		return fmt.Errorf("tiered_tp_levels is not valid JSON: %w", err)
	}
	if err := tieredTPCompiled.Validate(parsed); err != nil {
		return fmt.Errorf("tiered_tp_levels rejected: %w", err)
	}
	return nil
}
