package plot

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	itemSep  = ";"
	fieldSep = ":"
)

type Item struct {
	Material string
	Amount   int64
}

// Inventory keeps stock per material in first-deposit order.
type Inventory struct {
	items []Item
	index map[string]int
}

func NewInventory() *Inventory {
	return &Inventory{index: map[string]int{}}
}

func normalizeMaterial(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func (inv *Inventory) Amount(material string) int64 {
	i, ok := inv.index[normalizeMaterial(material)]
	if !ok {
		return 0
	}
	return inv.items[i].Amount
}

// Add stores up to amount units, never exceeding capacity for the material
// (capacity <= 0 means unbounded). It returns how many units were stored.
// Materials may be namespaced ("minecraft:wheat") but must not contain ';'.
func (inv *Inventory) Add(material string, amount, capacity int64) int64 {
	material = normalizeMaterial(material)
	if material == "" || amount <= 0 || strings.Contains(material, itemSep) {
		return 0
	}
	i, ok := inv.index[material]
	if !ok {
		inv.items = append(inv.items, Item{Material: material})
		i = len(inv.items) - 1
		inv.index[material] = i
	}
	cur := inv.items[i].Amount
	if capacity > 0 && cur+amount > capacity {
		amount = capacity - cur
		if amount < 0 {
			amount = 0
		}
	}
	inv.items[i].Amount = cur + amount
	return amount
}

// Take removes up to amount units and returns how many were removed.
// Materials that reach zero are dropped from the listing.
func (inv *Inventory) Take(material string, amount int64) int64 {
	material = normalizeMaterial(material)
	i, ok := inv.index[material]
	if !ok || amount <= 0 {
		return 0
	}
	if amount > inv.items[i].Amount {
		amount = inv.items[i].Amount
	}
	inv.items[i].Amount -= amount
	if inv.items[i].Amount == 0 {
		inv.remove(i)
	}
	return amount
}

func (inv *Inventory) remove(i int) {
	delete(inv.index, inv.items[i].Material)
	inv.items = append(inv.items[:i], inv.items[i+1:]...)
	for j := i; j < len(inv.items); j++ {
		inv.index[inv.items[j].Material] = j
	}
}

func (inv *Inventory) Items() []Item {
	out := make([]Item, 0, len(inv.items))
	for _, it := range inv.items {
		if it.Amount > 0 {
			out = append(out, it)
		}
	}
	return out
}

func (inv *Inventory) clone() *Inventory {
	out := NewInventory()
	for _, it := range inv.Items() {
		out.index[it.Material] = len(out.items)
		out.items = append(out.items, it)
	}
	return out
}

func (inv *Inventory) Len() int { return len(inv.Items()) }

// Serialize encodes the stock as MATERIAL:amount pairs joined by ';'.
// An empty inventory encodes to "".
func (inv *Inventory) Serialize() string {
	var b strings.Builder
	for _, it := range inv.Items() {
		if b.Len() > 0 {
			b.WriteString(itemSep)
		}
		b.WriteString(it.Material)
		b.WriteString(fieldSep)
		b.WriteString(strconv.FormatInt(it.Amount, 10))
	}
	return b.String()
}

func ParseInventory(s string) (*Inventory, error) {
	inv := NewInventory()
	s = strings.TrimSpace(s)
	if s == "" {
		return inv, nil
	}
	for _, part := range strings.Split(s, itemSep) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		// The amount follows the last separator; the material may be namespaced.
		cut := strings.LastIndex(part, fieldSep)
		if cut < 0 {
			return nil, fmt.Errorf("inventory entry %q: missing amount", part)
		}
		material, amountStr := part[:cut], part[cut+1:]
		amount, err := strconv.ParseInt(strings.TrimSpace(amountStr), 10, 64)
		if err != nil || amount < 0 {
			return nil, fmt.Errorf("inventory entry %q: bad amount", part)
		}
		if normalizeMaterial(material) == "" {
			return nil, fmt.Errorf("inventory entry %q: empty material", part)
		}
		inv.Add(material, amount, 0)
	}
	return inv, nil
}
