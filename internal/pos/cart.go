package pos

import (
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/domain"
)

// Cart holds the lines staged for the next sale. Lines keep insertion order.
type Cart struct {
	Lines []domain.CartLine `json:"lines"`
}

func (c Cart) clone() Cart {
	if c.Lines == nil {
		return Cart{}
	}
	lines := make([]domain.CartLine, len(c.Lines))
	copy(lines, c.Lines)
	return Cart{Lines: lines}
}

func (c Cart) Empty() bool {
	return len(c.Lines) == 0
}

func (c Cart) index(productID string) int {
	for i, line := range c.Lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

// Add merges into an existing line for the same product or appends a new line
// with quantity 1.
func (c *Cart) Add(p domain.Product) error {
	if strings.TrimSpace(p.ID) == "" {
		return invalid("product id is required")
	}
	if p.Price.IsNegative() {
		return invalid("product %s has a negative price", p.ID)
	}

	if i := c.index(p.ID); i >= 0 {
		line := &c.Lines[i]
		line.Quantity++
		line.Subtotal = lineSubtotal(line.Price, line.Quantity)
		return nil
	}

	c.Lines = append(c.Lines, domain.CartLine{
		ProductID: p.ID,
		Name:      p.Name,
		SKU:       p.SKU,
		Barcode:   p.Barcode,
		Price:     p.Price,
		Quantity:  1,
		Discount:  decimal.Zero,
		Subtotal:  lineSubtotal(p.Price, 1),
		Image:     p.Image,
		Stock:     p.Stock,
	})
	return nil
}

// UpdateQuantity applies delta and floors the result at 1. Remove deletes a line.
func (c *Cart) UpdateQuantity(productID string, delta int) error {
	i := c.index(productID)
	if i < 0 {
		return ErrLineNotFound
	}
	line := &c.Lines[i]
	line.Quantity = max(1, line.Quantity+delta)
	line.Subtotal = lineSubtotal(line.Price, line.Quantity)
	return nil
}

func (c *Cart) Remove(productID string) error {
	i := c.index(productID)
	if i < 0 {
		return ErrLineNotFound
	}
	c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
	return nil
}

func (c Cart) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, line := range c.Lines {
		sum = sum.Add(line.Subtotal)
	}
	return sum
}

func lineSubtotal(price decimal.Decimal, qty int) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(int64(qty)))
}

type Totals struct {
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	Taxable        decimal.Decimal `json:"taxable"`
	Tax            decimal.Decimal `json:"tax"`
	Total          decimal.Decimal `json:"total"`
}

// ComputeTotals prices a cart. The discount amount never exceeds the subtotal,
// so taxable, tax and total are never negative.
func ComputeTotals(cart Cart, discount *domain.CartDiscount, taxRate decimal.Decimal) Totals {
	subtotal := cart.Subtotal()
	amount := DiscountAmount(subtotal, discount)
	taxable := subtotal.Sub(amount)
	tax := taxable.Mul(taxRate).Round(2)

	return Totals{
		Subtotal:       subtotal,
		DiscountAmount: amount,
		Taxable:        taxable,
		Tax:            tax,
		Total:          taxable.Add(tax),
	}
}

func DiscountAmount(subtotal decimal.Decimal, discount *domain.CartDiscount) decimal.Decimal {
	if discount == nil || !discount.Value.IsPositive() {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch discount.Type {
	case domain.DiscountPercentage:
		amount = subtotal.Mul(discount.Value).Div(decimal.NewFromInt(100)).Round(2)
	default:
		amount = discount.Value
	}

	if amount.GreaterThan(subtotal) {
		return subtotal
	}
	return amount
}

// Change is max(0, tendered-total).
func Change(total, tendered decimal.Decimal) decimal.Decimal {
	change := tendered.Sub(total)
	if change.IsNegative() {
		return decimal.Zero
	}
	return change
}
