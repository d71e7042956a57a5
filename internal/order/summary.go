package order

import (
	"fmt"
	"strings"
)

const summaryClosing = "\nYour amazing pizza is being prepared! 🔥 Check the 'Final Order' tab for the technical details."

// Summary renders a record as the chat-friendly receipt shown once an order
// is complete.
func Summary(r *Record, currency string) string {
	if r == nil {
		return "No order completed yet. Keep chatting to place your order!"
	}
	var b strings.Builder
	b.WriteString("🎉 **Order Complete!** Here's your delicious order summary:\n")
	for i, g := range r.Selections {
		if len(g.Lines) == 0 {
			continue
		}
		title := categoryTitle(g.Category)
		if i == 0 && len(g.Lines) == 1 {
			fmt.Fprintf(&b, "\n%s **%s:** %s\n", categoryEmoji(g.Category), title, formatLine(g.Lines[0], currency))
			continue
		}
		fmt.Fprintf(&b, "\n%s **%s:**\n", categoryEmoji(g.Category), title)
		for _, l := range g.Lines {
			fmt.Fprintf(&b, "   • %s\n", formatLine(l, currency))
		}
	}
	if r.DietaryNotes != "" {
		fmt.Fprintf(&b, "\n📝 **Dietary Notes:** %s\n", r.DietaryNotes)
	}
	if r.DeliveryAddress != "" {
		fmt.Fprintf(&b, "\n📍 **Delivery Address:** %s\n", r.DeliveryAddress)
	}
	switch r.PaymentMethod {
	case PaymentCard:
		b.WriteString("\n💳 **Payment Method:** Card\n")
	case PaymentCashOnDelivery:
		b.WriteString("\n💵 **Payment Method:** Cash On Delivery\n")
	}
	fmt.Fprintf(&b, "\n💰 **Total: %s%s**\n", currency, r.TotalPrice.StringFixed(2))
	b.WriteString(summaryClosing)
	return b.String()
}

func formatLine(l Line, currency string) string {
	name := l.Name
	if l.Size != "" {
		name += " (" + l.Size + ")"
	}
	if !l.PriceKnown {
		return name
	}
	return fmt.Sprintf("%s - %s%s", name, currency, l.Price.StringFixed(2))
}

func categoryTitle(key string) string {
	words := strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func categoryEmoji(key string) string {
	k := strings.ToLower(key)
	switch {
	case strings.Contains(k, "pizza"):
		return "🍕"
	case strings.Contains(k, "topping"):
		return "🧄"
	case strings.Contains(k, "side"):
		return "🍞"
	case strings.Contains(k, "drink"), strings.Contains(k, "beverage"):
		return "🥤"
	}
	return "🍽️"
}
