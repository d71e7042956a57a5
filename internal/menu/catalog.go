// Package menu holds the fixed menu a dialogue variant sells from.
package menu

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Item is a single orderable menu entry.
type Item struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Size        string          `json:"size,omitempty"`
	Price       decimal.Decimal `json:"price"`
}

// Category groups items under a heading such as "pizzas" or "drinks".
type Category struct {
	Name  string `json:"name"`
	Items []Item `json:"items"`
}

// Catalog is immutable once built; every accessor returns copies.
type Catalog struct {
	categories []Category
	index      map[string]map[string]Item
}

// RawItem is the on-disk shape of an item. Prices are kept as strings so
// they convert to decimals without a float round trip.
type RawItem struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Size        string `yaml:"size"`
	Price       string `yaml:"price"`
}

// RawCategory is the on-disk shape of a category.
type RawCategory struct {
	Category string    `yaml:"category"`
	Items    []RawItem `yaml:"items"`
}

// NewCatalog validates raw categories and builds the lookup index.
func NewCatalog(raw []RawCategory) (*Catalog, error) {
	c := &Catalog{index: make(map[string]map[string]Item, len(raw))}
	for _, rc := range raw {
		name := strings.TrimSpace(rc.Category)
		if name == "" {
			return nil, fmt.Errorf("menu category without a name")
		}
		if _, dup := c.index[key(name)]; dup {
			return nil, fmt.Errorf("duplicate menu category %q", name)
		}
		cat := Category{Name: name, Items: make([]Item, 0, len(rc.Items))}
		idx := make(map[string]Item, len(rc.Items))
		for _, ri := range rc.Items {
			it, err := parseItem(ri)
			if err != nil {
				return nil, fmt.Errorf("menu category %q: %w", name, err)
			}
			if _, dup := idx[key(it.Name)]; dup {
				return nil, fmt.Errorf("menu category %q: duplicate item %q", name, it.Name)
			}
			idx[key(it.Name)] = it
			cat.Items = append(cat.Items, it)
		}
		c.index[key(name)] = idx
		c.categories = append(c.categories, cat)
	}
	return c, nil
}

func parseItem(ri RawItem) (Item, error) {
	name := strings.TrimSpace(ri.Name)
	if name == "" {
		return Item{}, fmt.Errorf("item without a name")
	}
	price, err := decimal.NewFromString(strings.TrimSpace(ri.Price))
	if err != nil {
		return Item{}, fmt.Errorf("item %q: invalid price %q", name, ri.Price)
	}
	if price.IsNegative() {
		return Item{}, fmt.Errorf("item %q: negative price", name)
	}
	return Item{
		Name:        name,
		Description: strings.TrimSpace(ri.Description),
		Size:        strings.TrimSpace(ri.Size),
		Price:       price,
	}, nil
}

// Categories returns the categories in configuration order.
func (c *Catalog) Categories() []Category {
	out := make([]Category, len(c.categories))
	for i, cat := range c.categories {
		out[i] = Category{Name: cat.Name, Items: append([]Item(nil), cat.Items...)}
	}
	return out
}

// Category returns one category by name.
func (c *Catalog) Category(name string) (Category, bool) {
	for _, cat := range c.categories {
		if key(cat.Name) == key(name) {
			return Category{Name: cat.Name, Items: append([]Item(nil), cat.Items...)}, true
		}
	}
	return Category{}, false
}

// Lookup finds an item by name within a category. Matching ignores case and
// surrounding whitespace; the same name may carry different prices in
// different categories (a pizza vs. a topping).
func (c *Catalog) Lookup(category, name string) (Item, bool) {
	idx, ok := c.index[key(category)]
	if !ok {
		return Item{}, false
	}
	it, ok := idx[key(name)]
	return it, ok
}

// Len is the total number of items across all categories.
func (c *Catalog) Len() int {
	n := 0
	for _, cat := range c.categories {
		n += len(cat.Items)
	}
	return n
}

func key(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
