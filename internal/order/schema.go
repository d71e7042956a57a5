package order

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CategoryRef binds a payload key to the menu category its items come from.
type CategoryRef struct {
	Key          string `yaml:"key"`
	MenuCategory string `yaml:"menu"`
}

// Schema describes the payload keys a dialogue variant asks the engine for.
type Schema struct {
	Primary         CategoryRef   `yaml:"primary"`
	Lists           []CategoryRef `yaml:"lists"`
	DietaryKey      string        `yaml:"dietary_key"`
	AddressKey      string        `yaml:"address_key"`
	PaymentKey      string        `yaml:"payment_key"`
	TotalKey        string        `yaml:"total_key"`
	CollectsPayment bool          `yaml:"-"`
}

// Check reports configuration mistakes before a validator is built.
func (s Schema) Check() error {
	if strings.TrimSpace(s.Primary.Key) == "" {
		return fmt.Errorf("order schema: primary key is required")
	}
	if strings.TrimSpace(s.AddressKey) == "" {
		return fmt.Errorf("order schema: address key is required")
	}
	if s.CollectsPayment && strings.TrimSpace(s.PaymentKey) == "" {
		return fmt.Errorf("order schema: payment key is required when payment is collected")
	}
	seen := map[string]bool{}
	for _, k := range s.keys() {
		if k == "" {
			continue
		}
		if seen[k] {
			return fmt.Errorf("order schema: key %q used twice", k)
		}
		seen[k] = true
	}
	return nil
}

func (s Schema) keys() []string {
	out := []string{s.Primary.Key, s.DietaryKey, s.AddressKey, s.PaymentKey, s.TotalKey}
	for _, l := range s.Lists {
		out = append(out, l.Key)
	}
	return out
}

// JSONSchema renders the structural contract for a terminal payload.
// Prices may arrive as numbers, numeric strings or null (unknown); their
// values are checked after the structural pass.
func (s Schema) JSONSchema() map[string]any {
	money := map[string]any{"type": []string{"number", "string", "null"}}
	item := map[string]any{
		"type":     "object",
		"required": []string{"name"},
		"properties": map[string]any{
			"name":  map[string]any{"type": "string", "minLength": 1},
			"size":  map[string]any{"type": []string{"string", "null"}},
			"price": money,
		},
	}
	line := map[string]any{"anyOf": []any{
		map[string]any{"type": "string", "minLength": 1},
		item,
	}}

	props := map[string]any{
		s.Primary.Key: map[string]any{"anyOf": []any{
			map[string]any{"type": "string", "minLength": 1},
			item,
			map[string]any{"type": "array", "minItems": 1, "items": line},
		}},
		s.AddressKey: map[string]any{"type": "string", "pattern": `\S`},
	}
	required := []string{s.Primary.Key, s.AddressKey}
	for _, l := range s.Lists {
		props[l.Key] = map[string]any{"type": []string{"array", "null"}, "items": line}
	}
	if s.DietaryKey != "" {
		props[s.DietaryKey] = map[string]any{"type": []string{"string", "null"}}
	}
	if s.PaymentKey != "" {
		if s.CollectsPayment {
			props[s.PaymentKey] = map[string]any{"type": "string"}
			required = append(required, s.PaymentKey)
		} else {
			props[s.PaymentKey] = map[string]any{"type": []string{"string", "null"}}
		}
	}
	if s.TotalKey != "" {
		props[s.TotalKey] = money
	}
	return map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"required":   required,
		"properties": props,
	}
}

func (s Schema) compile() (*jsonschema.Schema, error) {
	doc, err := json.Marshal(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("order schema encode failed: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://pizzapal.schemas.local/order/%s.schema.json", s.Primary.Key)
	if err := c.AddResource(url, strings.NewReader(string(doc))); err != nil {
		return nil, fmt.Errorf("order schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("order schema compile failed: %w", err)
	}
	return compiled, nil
}

// schemaProblems flattens a jsonschema error tree into its leaf messages.
func schemaProblems(err error) []string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
