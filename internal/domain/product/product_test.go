package product

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/xenking/shop-ledger/pkg/money"
)

func TestUnitPrice(t *testing.T) {
	tests := []struct {
		name string
		p    Product
		want money.Money
	}{
		{"no sale", Product{Price: money.MustParse("19.99")}, money.MustParse("19.99")},
		{"25% off", Product{Price: money.FromInt(40), SalePercent: decimal.NewFromInt(25)}, money.FromInt(30)},
		{"rounds to cents", Product{Price: money.MustParse("9.99"), SalePercent: decimal.NewFromInt(15)}, money.MustParse("8.49")},
		{"clamped above 100", Product{Price: money.FromInt(10), SalePercent: decimal.NewFromInt(150)}, money.Zero},
		{"negative ignored", Product{Price: money.FromInt(10), SalePercent: decimal.NewFromInt(-5)}, money.FromInt(10)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.UnitPrice())
		})
	}
}
