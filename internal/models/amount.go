package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Amount column limits. Every value that passes CheckAmount round-trips
// through the store unchanged.
const (
	AmountIntegerDigits = 20
	AmountScale         = 18
)

var ErrAmountOutOfRange = errors.New("amount cannot be stored exactly")

// Amount is a decimal money value. It is kept as numeric on postgres and as
// text on sqlite, whose numeric affinity would turn it into a float.
type Amount struct {
	decimal.Decimal
}

func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d}
}

func (Amount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	switch db.Dialector.Name() {
	case "sqlite":
		return "text"
	default:
		return fmt.Sprintf("numeric(%d,%d)", AmountIntegerDigits+AmountScale, AmountScale)
	}
}

// CheckAmount rejects values with more integer digits or decimal places than
// the column holds. Trailing zeros do not count.
func CheckAmount(d decimal.Decimal) error {
	s := strings.TrimPrefix(d.String(), "-")
	intPart, frac, _ := strings.Cut(s, ".")
	intPart = strings.TrimLeft(intPart, "0")
	if len(intPart) > AmountIntegerDigits {
		return fmt.Errorf("%w: more than %d integer digits", ErrAmountOutOfRange, AmountIntegerDigits)
	}
	if len(frac) > AmountScale {
		return fmt.Errorf("%w: more than %d decimal places", ErrAmountOutOfRange, AmountScale)
	}
	return nil
}
