package dialogue_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pizzapal-backend/internal/dialogue"
)

const dialogueFile = "../../configs/dialogue.yaml"

func TestLoadConfig_AllShippedVariants(t *testing.T) {
	for _, name := range []string{"pizzapal", "pizzapal-confirm", "pizzapal-lite", "pizzapal-voice-lite"} {
		t.Run(name, func(t *testing.T) {
			cfg, err := dialogue.LoadConfig(dialogueFile, name)
			require.NoError(t, err)
			assert.Equal(t, name, cfg.Name)
			assert.NotEmpty(t, cfg.SystemInstruction())
			assert.Positive(t, cfg.Catalog.Len())
			assert.Equal(t, "pizza", cfg.OrderSchema().Primary.Key)
		})
	}
}

func TestLoadConfig_VariantFlagsShapeThePrompt(t *testing.T) {
	full, err := dialogue.LoadConfig(dialogueFile, "pizzapal")
	require.NoError(t, err)
	assert.True(t, full.CollectsPayment)
	assert.True(t, full.VoiceEnabled)
	assert.False(t, full.RequiresConfirmation)
	assert.True(t, full.OrderSchema().CollectsPayment)
	assert.Contains(t, full.SystemInstruction(), "payment method")
	assert.Contains(t, full.SystemInstruction(), "Tuna & Onion")
	assert.Contains(t, full.SystemInstruction(), `"total_price_eur"`)
	assert.NotContains(t, full.SystemInstruction(), "ask the user to confirm")
	assert.Contains(t, full.SystemInstruction(), `"payment_method": "cash on delivery" or "card"`)
	assert.NotContains(t, full.SystemInstruction(), `\"`)
	assert.NotContains(t, full.SystemInstruction(), "<payment>")

	confirm, err := dialogue.LoadConfig(dialogueFile, "pizzapal-confirm")
	require.NoError(t, err)
	assert.Contains(t, confirm.SystemInstruction(), "ask the user to confirm")
	assert.False(t, confirm.VoiceEnabled)

	lite, err := dialogue.LoadConfig(dialogueFile, "pizzapal-lite")
	require.NoError(t, err)
	assert.False(t, lite.CollectsPayment)
	assert.NotContains(t, lite.SystemInstruction(), "payment method")
	assert.NotContains(t, lite.SystemInstruction(), "EXTRA TOPPINGS")
	assert.Equal(t, float32(0.5), lite.Style.Temperature)
	assert.Equal(t, 600, lite.Style.MaxTokens)
}

func TestParseConfig_Errors(t *testing.T) {
	cases := map[string]string{
		"unknown variant": `
variants: {}`,
		"unknown menu": `
prompt: "hi"
variants:
  v: { menu: nope, order: { primary: { key: pizza }, address_key: address } }`,
		"menu category mismatch": `
prompt: "hi"
menus:
  m:
    - { category: pizzas, items: [ { name: A, price: "1" } ] }
variants:
  v: { menu: m, order: { primary: { key: pizza, menu: calzones }, address_key: address } }`,
		"bad template": `
prompt: "{{.Nope"
menus:
  m:
    - { category: pizzas, items: [ { name: A, price: "1" } ] }
variants:
  v: { menu: m, order: { primary: { key: pizza, menu: pizzas }, address_key: address } }`,
		"missing address key": `
prompt: "hi"
menus:
  m:
    - { category: pizzas, items: [ { name: A, price: "1" } ] }
variants:
  v: { menu: m, order: { primary: { key: pizza, menu: pizzas } } }`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := dialogue.ParseConfig([]byte(doc), "v")
			assert.Error(t, err)
		})
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	doc := `
prompt: "Sell from {{range .Categories}}{{.Title}} {{end}}in {{.Currency}}"
menus:
  m:
    - { category: pizzas, items: [ { name: A, price: "1" } ] }
variants:
  v: { menu: m, order: { primary: { key: pizza, menu: pizzas }, address_key: address } }`

	cfg, err := dialogue.ParseConfig([]byte(doc), "v")
	require.NoError(t, err)
	assert.Equal(t, "Sell from PIZZAS in €", cfg.SystemInstruction())
	assert.Equal(t, float32(0.7), cfg.Style.Temperature)
	assert.Equal(t, 800, cfg.Style.MaxTokens)
}
