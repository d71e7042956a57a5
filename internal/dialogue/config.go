package dialogue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"pizzapal-backend/internal/menu"
	"pizzapal-backend/internal/order"
)

// Style tunes the engine's sampling.
type Style struct {
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// Config is one dialogue variant: the menu it sells, the instruction handed
// to the engine, and the flow options that differ between variants.
type Config struct {
	Name                 string
	Catalog              *menu.Catalog
	Currency             string
	PromptTemplate       string
	RequiresConfirmation bool
	CollectsPayment      bool
	VoiceEnabled         bool
	Style                Style
	Validator            *order.Validator

	instruction string
}

// SystemInstruction is the rendered prompt sent with every engine call.
func (c *Config) SystemInstruction() string { return c.instruction }

// OrderSchema is the payload shape the engine is asked to produce.
func (c *Config) OrderSchema() order.Schema { return c.Validator.Schema() }

type fileSpec struct {
	Currency string                        `yaml:"currency"`
	Prompt   string                        `yaml:"prompt"`
	Menus    map[string][]menu.RawCategory `yaml:"menus"`
	Variants map[string]variantSpec        `yaml:"variants"`
	Defaults struct {
		Style Style `yaml:"style"`
	} `yaml:"defaults"`
}

type variantSpec struct {
	Menu                 string       `yaml:"menu"`
	Prompt               string       `yaml:"prompt"`
	RequiresConfirmation bool         `yaml:"requires_confirmation"`
	CollectsPayment      bool         `yaml:"collects_payment"`
	VoiceEnabled         bool         `yaml:"voice_enabled"`
	Style                *Style       `yaml:"style"`
	Order                order.Schema `yaml:"order"`
}

// LoadConfig reads the dialogue file and builds the named variant.
func LoadConfig(path, variant string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b, variant)
}

// ParseConfig builds the named variant from YAML bytes.
func ParseConfig(data []byte, variant string) (*Config, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("dialogue config: %w", err)
	}
	vs, ok := spec.Variants[variant]
	if !ok {
		return nil, fmt.Errorf("dialogue config: unknown variant %q (have %s)", variant, strings.Join(variantNames(spec), ", "))
	}
	rawMenu, ok := spec.Menus[vs.Menu]
	if !ok {
		return nil, fmt.Errorf("dialogue config: variant %q uses unknown menu %q", variant, vs.Menu)
	}
	catalog, err := menu.NewCatalog(rawMenu)
	if err != nil {
		return nil, fmt.Errorf("dialogue config: %w", err)
	}
	for _, ref := range append([]order.CategoryRef{vs.Order.Primary}, vs.Order.Lists...) {
		if ref.MenuCategory == "" {
			continue
		}
		if _, ok := catalog.Category(ref.MenuCategory); !ok {
			return nil, fmt.Errorf("dialogue config: order key %q points at unknown menu category %q", ref.Key, ref.MenuCategory)
		}
	}

	schema := vs.Order
	schema.CollectsPayment = vs.CollectsPayment
	validator, err := order.NewValidator(schema, catalog)
	if err != nil {
		return nil, fmt.Errorf("dialogue config: %w", err)
	}

	style := spec.Defaults.Style
	if vs.Style != nil {
		style = *vs.Style
	}
	if style.Temperature <= 0 {
		style.Temperature = 0.7
	}
	if style.MaxTokens <= 0 {
		style.MaxTokens = 800
	}
	prompt := vs.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = spec.Prompt
	}
	currency := spec.Currency
	if currency == "" {
		currency = "€"
	}

	cfg := &Config{
		Name:                 variant,
		Catalog:              catalog,
		Currency:             currency,
		PromptTemplate:       prompt,
		RequiresConfirmation: vs.RequiresConfirmation,
		CollectsPayment:      vs.CollectsPayment,
		VoiceEnabled:         vs.VoiceEnabled,
		Style:                style,
		Validator:            validator,
	}
	if cfg.instruction, err = renderInstruction(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func variantNames(spec fileSpec) []string {
	names := make([]string, 0, len(spec.Variants))
	for n := range spec.Variants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type promptCategory struct {
	Name  string
	Title string
	Items string
}

type promptData struct {
	Variant              string
	Currency             string
	Categories           []promptCategory
	RequiresConfirmation bool
	CollectsPayment      bool
	Payload              string
}

func renderInstruction(cfg *Config) (string, error) {
	if strings.TrimSpace(cfg.PromptTemplate) == "" {
		return "", fmt.Errorf("dialogue config: variant %q has no prompt", cfg.Name)
	}
	tmpl, err := template.New(cfg.Name).Option("missingkey=error").Parse(cfg.PromptTemplate)
	if err != nil {
		return "", fmt.Errorf("dialogue config: prompt template: %w", err)
	}
	data := promptData{
		Variant:              cfg.Name,
		Currency:             cfg.Currency,
		RequiresConfirmation: cfg.RequiresConfirmation,
		CollectsPayment:      cfg.CollectsPayment,
	}
	for _, cat := range cfg.Catalog.Categories() {
		items, err := indentJSON(promptItems(cat.Items), "  ")
		if err != nil {
			return "", err
		}
		data.Categories = append(data.Categories, promptCategory{
			Name:  cat.Name,
			Title: strings.ToUpper(strings.ReplaceAll(cat.Name, "_", " ")),
			Items: items,
		})
	}
	if data.Payload, err = indentJSON(examplePayload(cfg.OrderSchema()), "    "); err != nil {
		return "", err
	}
	data.Payload = strings.Replace(data.Payload, `"`+paymentPlaceholder+`"`, paymentChoice, 1)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("dialogue config: prompt template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// indentJSON keeps '&' and friends readable for the engine.
func indentJSON(v any, indent string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

type promptItem struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Size        string  `json:"size,omitempty"`
	Price       float64 `json:"price"`
}

func promptItems(items []menu.Item) []promptItem {
	out := make([]promptItem, 0, len(items))
	for _, it := range items {
		p, _ := it.Price.Float64()
		out = append(out, promptItem{Name: it.Name, Description: it.Description, Size: it.Size, Price: p})
	}
	return out
}

// paymentPlaceholder stands in for paymentChoice, which is not a JSON value.
const (
	paymentPlaceholder = "<payment>"
	paymentChoice      = `"cash on delivery" or "card"`
)

// examplePayload is the JSON shape shown to the engine. encoding/json sorts
// map keys, so the example is stable across renders.
func examplePayload(s order.Schema) map[string]any {
	item := map[string]any{"name": "...", "price": 0.0}
	out := map[string]any{
		s.Primary.Key: item,
		s.AddressKey:  "...",
	}
	for _, l := range s.Lists {
		out[l.Key] = []any{item}
	}
	if s.DietaryKey != "" {
		out[s.DietaryKey] = "..."
	}
	if s.PaymentKey != "" && s.CollectsPayment {
		out[s.PaymentKey] = paymentPlaceholder
	}
	if s.TotalKey != "" {
		out[s.TotalKey] = 0.0
	}
	return out
}
