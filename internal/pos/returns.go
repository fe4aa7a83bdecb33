package pos

import (
	"strings"

	"github.com/shopspring/decimal"

	"kasirinaja/till/internal/domain"
)

// ReturnSession is one in-progress return against a prior transaction.
type ReturnSession struct {
	Transaction domain.Transaction      `json:"transaction"`
	Items       []domain.ReturnableItem `json:"items"`
	Selected    []domain.ReturnLine     `json:"selected"`
}

func NewReturnSession(resp domain.ReturnableResponse) ReturnSession {
	items := make([]domain.ReturnableItem, 0, len(resp.ReturnableItems))
	for _, item := range resp.ReturnableItems {
		if item.OriginalQty > 0 {
			item.MaxReturnable = max(0, item.OriginalQty-item.ReturnedQty)
		}
		item.MaxReturnable = max(0, item.MaxReturnable)
		items = append(items, item)
	}
	return ReturnSession{Transaction: resp.Transaction, Items: items}
}

func (r ReturnSession) clone() *ReturnSession {
	out := ReturnSession{Transaction: r.Transaction}
	out.Items = append([]domain.ReturnableItem(nil), r.Items...)
	out.Selected = append([]domain.ReturnLine(nil), r.Selected...)
	return &out
}

func (r ReturnSession) item(productID string) (domain.ReturnableItem, bool) {
	for _, item := range r.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return domain.ReturnableItem{}, false
}

func (r ReturnSession) selectedIndex(productID string) int {
	for i, line := range r.Selected {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

// Toggle adds the item with a return quantity of 1, or drops it if already selected.
func (r *ReturnSession) Toggle(productID string) error {
	if i := r.selectedIndex(productID); i >= 0 {
		r.Selected = append(r.Selected[:i], r.Selected[i+1:]...)
		return nil
	}

	item, ok := r.item(productID)
	if !ok {
		return ErrReturnItemNotFound
	}
	if item.MaxReturnable < 1 {
		return ErrNothingReturnable
	}
	r.Selected = append(r.Selected, domain.ReturnLine{
		ProductID: item.ProductID,
		Name:      item.Name,
		Price:     item.Price,
		ReturnQty: 1,
	})
	return nil
}

// SetQty clamps qty to [1, max_returnable] and returns the quantity kept.
func (r *ReturnSession) SetQty(productID string, qty int) (int, error) {
	i := r.selectedIndex(productID)
	if i < 0 {
		return 0, ErrReturnItemNotChosen
	}
	item, ok := r.item(productID)
	if !ok {
		return 0, ErrReturnItemNotFound
	}
	qty = min(max(1, qty), item.MaxReturnable)
	r.Selected[i].ReturnQty = qty
	return qty, nil
}

func (r ReturnSession) RefundTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, line := range r.Selected {
		sum = sum.Add(line.Price.Mul(decimal.NewFromInt(int64(line.ReturnQty))))
	}
	return sum
}

func (r ReturnSession) Validate(reason, method string) error {
	if len(r.Selected) == 0 {
		return invalid("select at least one item to return")
	}
	if strings.TrimSpace(reason) == "" {
		return invalid("return reason is required")
	}
	switch method {
	case domain.RefundCash, domain.RefundCard, domain.RefundStoreCredit:
		return nil
	case "":
		return invalid("refund method is required")
	default:
		return invalid("unsupported refund method %q", method)
	}
}

func (r ReturnSession) BuildRequest(reason, method string, actor domain.Actor) (domain.ReturnRequest, error) {
	if err := r.Validate(reason, method); err != nil {
		return domain.ReturnRequest{}, err
	}
	return domain.ReturnRequest{
		OriginalTransactionID: r.Transaction.ID,
		Items:                 append([]domain.ReturnLine(nil), r.Selected...),
		RefundMethod:          method,
		RefundAmount:          r.RefundTotal(),
		Reason:                strings.TrimSpace(reason),
		StaffID:               actor.StaffID,
		StaffName:             actor.StaffName,
	}, nil
}
