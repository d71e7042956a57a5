// Package order models the structured record a completed conversation
// produces and validates candidate payloads against a variant's schema.
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tolerance is the largest price difference treated as equal.
var Tolerance = decimal.New(1, -2)

// PaymentMethod is how the customer settles the order.
type PaymentMethod string

const (
	PaymentNone           PaymentMethod = ""
	PaymentCashOnDelivery PaymentMethod = "cash on delivery"
	PaymentCard           PaymentMethod = "card"
)

// ParsePaymentMethod accepts the spellings a dialogue engine tends to produce.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch strings.ToLower(strings.Join(strings.Fields(s), " ")) {
	case "cash on delivery", "cash", "cod", "cash-on-delivery":
		return PaymentCashOnDelivery, nil
	case "card", "credit card", "debit card":
		return PaymentCard, nil
	}
	return PaymentNone, fmt.Errorf("unsupported payment method %q", s)
}

// Line is one selected menu item. Each line stands for a single unit.
type Line struct {
	Name  string          `json:"name"`
	Size  string          `json:"size,omitempty"`
	Price decimal.Decimal `json:"price"`
	// PriceKnown is false when neither the payload nor the menu supplied a price.
	PriceKnown bool `json:"priceKnown"`
}

// Group is the lines selected for one order category.
type Group struct {
	Category string `json:"category"`
	Lines    []Line `json:"lines"`
}

// Warning flags a mismatch that does not invalidate the order.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	WarnTotalMismatch = "total_mismatch"
	WarnPriceMismatch = "price_mismatch"
	WarnUnknownItem   = "unknown_item"
)

// Record is a completed, validated order. A Record is never partially built:
// it either comes back from Validate whole or not at all.
type Record struct {
	ID              string          `json:"id,omitempty"`
	Selections      []Group         `json:"selections"`
	DietaryNotes    string          `json:"dietaryNotes,omitempty"`
	DeliveryAddress string          `json:"deliveryAddress"`
	PaymentMethod   PaymentMethod   `json:"paymentMethod,omitempty"`
	TotalPrice      decimal.Decimal `json:"totalPrice"`
	Warnings        []Warning       `json:"warnings,omitempty"`
	Raw             map[string]any  `json:"raw"`
	CompletedAt     time.Time       `json:"completedAt"`
}

// Primary returns the first category's lines, which hold the main item.
func (r *Record) Primary() []Line {
	if r == nil || len(r.Selections) == 0 {
		return nil
	}
	return r.Selections[0].Lines
}

// LineTotal sums the prices of every known line.
func (r *Record) LineTotal() decimal.Decimal {
	sum := decimal.Zero
	if r == nil {
		return sum
	}
	for _, g := range r.Selections {
		for _, l := range g.Lines {
			if l.PriceKnown {
				sum = sum.Add(l.Price)
			}
		}
	}
	return sum
}

// Clone returns a deep copy so callers cannot mutate session state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Selections = make([]Group, len(r.Selections))
	for i, g := range r.Selections {
		out.Selections[i] = Group{Category: g.Category, Lines: append([]Line(nil), g.Lines...)}
	}
	out.Warnings = append([]Warning(nil), r.Warnings...)
	out.Raw = cloneMap(r.Raw)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ValidationError lists every reason a candidate payload was rejected.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "order validation failed: " + strings.Join(e.Problems, "; ")
}
