package order

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"pizzapal-backend/internal/menu"
)

// Validator turns candidate payloads into Records. It holds no mutable state
// and is safe for concurrent use.
type Validator struct {
	schema   Schema
	catalog  *menu.Catalog
	compiled *jsonschema.Schema
}

// NewValidator compiles the schema. catalog may be nil, in which case line
// prices are taken as given and no menu reconciliation happens.
func NewValidator(schema Schema, catalog *menu.Catalog) (*Validator, error) {
	if err := schema.Check(); err != nil {
		return nil, err
	}
	compiled, err := schema.compile()
	if err != nil {
		return nil, err
	}
	return &Validator{schema: schema, catalog: catalog, compiled: compiled}, nil
}

// Schema returns the schema the validator enforces.
func (v *Validator) Schema() Schema { return v.schema }

// Validate checks a parsed payload and builds a Record from it. The result
// depends only on the candidate, the schema and the catalog. ID and
// CompletedAt are left for the caller to stamp.
func (v *Validator) Validate(candidate map[string]any) (*Record, error) {
	if candidate == nil {
		return nil, &ValidationError{Problems: []string{"payload is empty"}}
	}
	if err := v.compiled.Validate(candidate); err != nil {
		return nil, &ValidationError{Problems: schemaProblems(err)}
	}

	var problems []string
	rec := &Record{Raw: cloneMap(candidate)}

	refs := append([]CategoryRef{v.schema.Primary}, v.schema.Lists...)
	for i, ref := range refs {
		lines, errs := parseLines(candidate[ref.Key], ref.Key)
		problems = append(problems, errs...)
		if i == 0 && len(lines) == 0 && len(errs) == 0 {
			problems = append(problems, fmt.Sprintf("%s: a primary item is required", ref.Key))
		}
		if len(lines) == 0 && i > 0 {
			continue
		}
		lines, warns := v.reconcile(ref, lines)
		rec.Warnings = append(rec.Warnings, warns...)
		rec.Selections = append(rec.Selections, Group{Category: ref.Key, Lines: lines})
	}

	rec.DeliveryAddress = strings.TrimSpace(stringField(candidate, v.schema.AddressKey))
	if rec.DeliveryAddress == "" {
		problems = append(problems, fmt.Sprintf("%s: delivery address is required", v.schema.AddressKey))
	}
	rec.DietaryNotes = strings.TrimSpace(stringField(candidate, v.schema.DietaryKey))

	if v.schema.PaymentKey != "" {
		raw := strings.TrimSpace(stringField(candidate, v.schema.PaymentKey))
		switch {
		case raw == "" && v.schema.CollectsPayment:
			problems = append(problems, fmt.Sprintf("%s: payment method is required", v.schema.PaymentKey))
		case raw != "":
			pm, err := ParsePaymentMethod(raw)
			if err != nil && v.schema.CollectsPayment {
				problems = append(problems, fmt.Sprintf("%s: %v", v.schema.PaymentKey, err))
			}
			rec.PaymentMethod = pm
		}
	}

	computed := rec.LineTotal()
	rec.TotalPrice = computed
	if v.schema.TotalKey != "" {
		if rawTotal, ok := candidate[v.schema.TotalKey]; ok && rawTotal != nil {
			declared, err := parseMoney(rawTotal)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", v.schema.TotalKey, err))
			} else {
				rec.TotalPrice = declared
				if declared.Sub(computed).Abs().GreaterThan(Tolerance) {
					rec.Warnings = append(rec.Warnings, Warning{
						Code:    WarnTotalMismatch,
						Message: fmt.Sprintf("declared total %s does not match item sum %s", declared.StringFixed(2), computed.StringFixed(2)),
					})
				}
			}
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return rec, nil
}

// reconcile fills missing prices from the menu and flags disagreements.
func (v *Validator) reconcile(ref CategoryRef, lines []Line) ([]Line, []Warning) {
	if v.catalog == nil || ref.MenuCategory == "" {
		return lines, nil
	}
	var warns []Warning
	for i, l := range lines {
		item, ok := v.catalog.Lookup(ref.MenuCategory, l.Name)
		if !ok {
			warns = append(warns, Warning{
				Code:    WarnUnknownItem,
				Message: fmt.Sprintf("%s: %q is not on the %s menu", ref.Key, l.Name, ref.MenuCategory),
			})
			continue
		}
		if l.Size == "" {
			lines[i].Size = item.Size
		}
		if !l.PriceKnown {
			lines[i].Price = item.Price
			lines[i].PriceKnown = true
			continue
		}
		if l.Price.Sub(item.Price).Abs().GreaterThan(Tolerance) {
			warns = append(warns, Warning{
				Code:    WarnPriceMismatch,
				Message: fmt.Sprintf("%s: %q priced %s, menu says %s", ref.Key, l.Name, l.Price.StringFixed(2), item.Price.StringFixed(2)),
			})
		}
	}
	return lines, warns
}

func parseLines(v any, key string) ([]Line, []string) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		var (
			out      []Line
			problems []string
		)
		for i, e := range t {
			l, err := parseLine(e)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s/%d: %v", key, i, err))
				continue
			}
			out = append(out, l)
		}
		return out, problems
	default:
		l, err := parseLine(t)
		if err != nil {
			return nil, []string{fmt.Sprintf("%s: %v", key, err)}
		}
		return []Line{l}, nil
	}
}

func parseLine(v any) (Line, error) {
	switch t := v.(type) {
	case string:
		name := strings.TrimSpace(t)
		if name == "" {
			return Line{}, fmt.Errorf("item name is empty")
		}
		return Line{Name: name}, nil
	case map[string]any:
		name, _ := t["name"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			return Line{}, fmt.Errorf("item name is empty")
		}
		l := Line{Name: name}
		if size, ok := t["size"].(string); ok {
			l.Size = strings.TrimSpace(size)
		}
		if p, ok := t["price"]; ok && p != nil {
			price, err := parseMoney(p)
			if err != nil {
				return Line{}, fmt.Errorf("item %q: %w", name, err)
			}
			l.Price = price
			l.PriceKnown = true
		}
		return l, nil
	}
	return Line{}, fmt.Errorf("unsupported item value %T", v)
}

// parseMoney accepts the numeric shapes a decoded payload can hold and
// rejects anything negative, non-finite or unparsable.
func parseMoney(v any) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch t := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(t.String())
	case string:
		s := strings.TrimSpace(t)
		s = strings.TrimSpace(strings.TrimPrefix(s, "€"))
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "EUR"), "€"))
		d, err = decimal.NewFromString(s)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Zero, fmt.Errorf("price is not a finite number")
		}
		d = decimal.NewFromFloat(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	default:
		return decimal.Zero, fmt.Errorf("price has unsupported type %T", v)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("malformed price %v", v)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("price %s is negative", d.String())
	}
	return d, nil
}

func stringField(m map[string]any, key string) string {
	if key == "" {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
