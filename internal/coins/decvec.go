// Package coins implements the multi-denomination amount vectors used by the
// reward engine.
//
// DecVec holds high-precision fractional amounts (reward pointers, owed
// rewards before truncation). Coins holds whole-unit amounts that can actually
// be transferred. Both are kept sorted by denomination with no duplicate and
// no zero entries, so equality and merge are deterministic.
//
// Monetary values are shopspring/decimal, never float64.
package coins

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/reward-engine/internal/denom"
)

var (
	// ErrNegativeAmount is returned when a vector would hold a negative amount,
	// either from construction input or from a subtraction whose subtrahend
	// is not dominated by the minuend.
	ErrNegativeAmount = errors.New("coins: amount would be negative")

	// ErrDuplicateDenom is returned when constructor input names the same
	// denomination twice.
	ErrDuplicateDenom = errors.New("coins: duplicate denomination")

	// ErrFractionalAmount is returned when a whole-unit vector is built from
	// a non-integral amount.
	ErrFractionalAmount = errors.New("coins: whole-unit amount has a fractional part")

	// Precision is the number of fractional digits kept by per-share division.
	Precision int32 = 18
)

// Op selects the element-wise operation applied by Merge.
type Op int

const (
	Add Op = iota
	Sub
)

func (o Op) String() string {
	switch o {
	case Add:
		return "add"
	case Sub:
		return "sub"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// DecCoin is one denomination/amount pair of a DecVec.
type DecCoin struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
}

// NewDecCoin builds a DecCoin from a decimal string. It panics on malformed
// input and is meant for constants and tests.
func NewDecCoin(denomination, amount string) DecCoin {
	return DecCoin{Denom: denomination, Amount: decimal.RequireFromString(amount)}
}

func (c DecCoin) String() string {
	return c.Amount.String() + c.Denom
}

// DecVec is a sorted set of DecCoins. An absent denomination is zero. The nil
// DecVec is the valid empty vector.
type DecVec []DecCoin

// NewDecVec validates cs and returns them as a normalized vector. Zero
// amounts are dropped.
func NewDecVec(cs ...DecCoin) (DecVec, error) {
	v := make(DecVec, 0, len(cs))
	for _, c := range cs {
		if err := denom.Validate(c.Denom); err != nil {
			return nil, err
		}
		if c.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, c)
		}
		if c.Amount.IsZero() {
			continue
		}
		v = append(v, c)
	}
	slices.SortFunc(v, func(a, b DecCoin) int { return strings.Compare(a.Denom, b.Denom) })
	for i := 1; i < len(v); i++ {
		if v[i].Denom == v[i-1].Denom {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDenom, v[i].Denom)
		}
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

// MustDecVec is NewDecVec that panics on error.
func MustDecVec(cs ...DecCoin) DecVec {
	v, err := NewDecVec(cs...)
	if err != nil {
		panic(err)
	}
	return v
}

// AmountOf returns the amount held for denomination, zero when absent.
func (v DecVec) AmountOf(denomination string) decimal.Decimal {
	i, ok := slices.BinarySearchFunc(v, denomination, func(c DecCoin, d string) int {
		return strings.Compare(c.Denom, d)
	})
	if !ok {
		return decimal.Zero
	}
	return v[i].Amount
}

// IsZero reports whether every denomination is zero.
func (v DecVec) IsZero() bool {
	return len(v) == 0
}

// Denoms returns the denominations present, in sorted order.
func (v DecVec) Denoms() []string {
	out := make([]string, len(v))
	for i, c := range v {
		out[i] = c.Denom
	}
	return out
}

// Clone returns a copy that shares no backing array with v.
func (v DecVec) Clone() DecVec {
	if len(v) == 0 {
		return nil
	}
	return slices.Clone(v)
}

// Equal reports whether v and o hold the same non-zero amounts.
func (v DecVec) Equal(o DecVec) bool {
	if len(v) != len(o) {
		return false
	}
	for i := range v {
		if v[i].Denom != o[i].Denom || !v[i].Amount.Equal(o[i].Amount) {
			return false
		}
	}
	return true
}

// Add returns v + o. Addition of two valid vectors cannot fail.
func (v DecVec) Add(o DecVec) DecVec {
	out, _ := Merge(v, o, Add)
	return out
}

// Sub returns v - o. It fails with ErrNegativeAmount when o is not dominated
// by v element-wise; the result is never clamped.
func (v DecVec) Sub(o DecVec) (DecVec, error) {
	return Merge(v, o, Sub)
}

// Merge applies op over the union of denominations of a and b, treating a
// missing entry as zero.
func Merge(a, b DecVec, op Op) (DecVec, error) {
	out := make(DecVec, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var d string
		x, y := decimal.Zero, decimal.Zero
		switch {
		case j >= len(b) || (i < len(a) && a[i].Denom < b[j].Denom):
			d, x = a[i].Denom, a[i].Amount
			i++
		case i >= len(a) || b[j].Denom < a[i].Denom:
			d, y = b[j].Denom, b[j].Amount
			j++
		default:
			d, x, y = a[i].Denom, a[i].Amount, b[j].Amount
			i++
			j++
		}

		var r decimal.Decimal
		switch op {
		case Add:
			r = x.Add(y)
		case Sub:
			r = x.Sub(y)
			if r.IsNegative() {
				return nil, fmt.Errorf("%w: %s %s - %s", ErrNegativeAmount, d, x, y)
			}
		default:
			return nil, fmt.Errorf("coins: unsupported merge op %s", op)
		}
		if !r.IsZero() {
			out = append(out, DecCoin{Denom: d, Amount: r})
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Scale multiplies every amount by factor. factor must be non-negative; a
// zero factor yields the empty vector.
func (v DecVec) Scale(factor decimal.Decimal) DecVec {
	if factor.IsNegative() {
		panic(fmt.Sprintf("coins: negative scale factor %s", factor))
	}
	if factor.IsZero() || len(v) == 0 {
		return nil
	}
	out := make(DecVec, 0, len(v))
	for _, c := range v {
		out = append(out, DecCoin{Denom: c.Denom, Amount: c.Amount.Mul(factor)})
	}
	return out
}

// QuoTruncate divides every amount by divisor, truncating toward zero at
// Precision fractional digits. The result never exceeds the exact quotient.
// divisor must be positive.
func (v DecVec) QuoTruncate(divisor decimal.Decimal) DecVec {
	if !divisor.IsPositive() {
		panic(fmt.Sprintf("coins: non-positive divisor %s", divisor))
	}
	out := make(DecVec, 0, len(v))
	for _, c := range v {
		q, _ := c.Amount.QuoRem(divisor, Precision)
		if q.IsZero() {
			continue
		}
		out = append(out, DecCoin{Denom: c.Denom, Amount: q})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ToWholeUnits truncates every amount to an integer. The fractional remainder
// is discarded, not carried.
func (v DecVec) ToWholeUnits() Coins {
	out := make(Coins, 0, len(v))
	for _, c := range v {
		whole := c.Amount.Truncate(0)
		if whole.IsZero() {
			continue
		}
		out = append(out, Coin{Denom: c.Denom, Amount: whole})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (v DecVec) String() string {
	parts := make([]string, len(v))
	for i, c := range v {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// MarshalJSON encodes the empty vector as [] rather than null.
func (v DecVec) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]DecCoin(v))
}

// UnmarshalJSON validates and normalizes the decoded entries.
func (v *DecVec) UnmarshalJSON(data []byte) error {
	var raw []DecCoin
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nv, err := NewDecVec(raw...)
	if err != nil {
		return err
	}
	*v = nv
	return nil
}
