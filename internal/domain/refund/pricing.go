package refund

import (
	"time"

	"github.com/xenking/shop-ledger/internal/domain/order"
	"github.com/xenking/shop-ledger/pkg/money"
)

// Default windows for the two customer-facing flows.
const (
	DefaultRefundWindow = 14 * 24 * time.Hour
	DefaultReturnWindow = 7 * 24 * time.Hour
)

// PricedLine is an order item with its share of the order discount.
type PricedLine struct {
	OrderItemID int64
	ProductID   int64
	VariantID   int64
	Quantity    int

	LineTotal    money.Money
	LineDiscount money.Money
	NetTotal     money.Money
	// UnitPrice is the refundable amount per unit, net of discount.
	UnitPrice money.Money
}

// Pricing is the refundable view of an order.
type Pricing struct {
	Subtotal     money.Money
	DiscountPool money.Money
	ShippingFee  money.Money
	Lines        []PricedLine
}

// Line returns the priced line for an order item.
func (p Pricing) Line(orderItemID int64) (PricedLine, bool) {
	for _, l := range p.Lines {
		if l.OrderItemID == orderItemID {
			return l, true
		}
	}
	return PricedLine{}, false
}

// BuildPricing spreads the order discount over the lines in proportion to
// their totals. The pool is capped at the line subtotal and each share is
// rounded on its own, so the shares may miss the pool by a few cents.
func BuildPricing(o *order.Order, items []order.Item) Pricing {
	p := Pricing{
		ShippingFee: o.ShippingAmount,
		Lines:       make([]PricedLine, 0, len(items)),
	}
	totals := make([]money.Money, len(items))
	for i, it := range items {
		total := it.TotalPrice
		if total.IsZero() {
			total = it.UnitPrice.Mul(it.Quantity)
		}
		totals[i] = total
		p.Subtotal = p.Subtotal.Add(total)
	}
	p.DiscountPool = money.Min(o.DiscountAmount.FloorZero(), p.Subtotal)

	for i, it := range items {
		discount := p.DiscountPool.Share(totals[i], p.Subtotal)
		net := totals[i].Sub(discount)
		p.Lines = append(p.Lines, PricedLine{
			OrderItemID:  it.ID,
			ProductID:    it.ProductID,
			VariantID:    it.VariantID,
			Quantity:     it.Quantity,
			LineTotal:    totals[i],
			LineDiscount: discount,
			NetTotal:     net,
			UnitPrice:    net.DivQty(it.Quantity),
		})
	}
	return p
}

// Eligibility tells whether an order can still be refunded or returned.
type Eligibility struct {
	Eligible  bool
	Reason    string
	Remaining money.Money
	Deadline  time.Time
}

// BuildEligibility checks payment, fulfillment and the time window. A
// partially refunded order stays eligible until its balance is used up.
func BuildEligibility(o *order.Order, window time.Duration, now time.Time) Eligibility {
	e := Eligibility{
		Remaining: o.RemainingBalance(),
		Deadline:  o.CreatedAt.Add(window),
	}
	switch {
	case o.PaymentStatus != order.PaymentPaid && o.PaymentStatus != order.PaymentPartiallyRefunded:
		e.Reason = "Only paid orders can be refunded"
	case !order.Canonical(string(o.Status)).IsFulfilled():
		e.Reason = "Order has not been delivered yet"
	case now.After(e.Deadline):
		e.Reason = "The refund window for this order has closed"
	case !e.Remaining.IsPositive():
		e.Reason = "Order has been fully refunded"
	default:
		e.Eligible = true
	}
	return e
}
