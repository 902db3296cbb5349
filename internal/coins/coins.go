package coins

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Coin is one whole-unit denomination/amount pair.
type Coin struct {
	Denom  string          `json:"denom"`
	Amount decimal.Decimal `json:"amount"`
}

// NewCoin builds a Coin from an integer amount.
func NewCoin(denomination string, amount int64) Coin {
	return Coin{Denom: denomination, Amount: decimal.NewFromInt(amount)}
}

func (c Coin) String() string {
	return c.Amount.String() + c.Denom
}

// Coins is a sorted set of whole-unit amounts, the only form in which rewards
// leave the engine.
type Coins []Coin

// NewCoins validates cs and returns them as a normalized vector.
func NewCoins(cs ...Coin) (Coins, error) {
	dc := make([]DecCoin, len(cs))
	for i, c := range cs {
		if !c.Amount.Equal(c.Amount.Truncate(0)) {
			return nil, fmt.Errorf("%w: %s", ErrFractionalAmount, c)
		}
		dc[i] = DecCoin(c)
	}
	v, err := NewDecVec(dc...)
	if err != nil {
		return nil, err
	}
	return fromDecVec(v), nil
}

// MustCoins is NewCoins that panics on error.
func MustCoins(cs ...Coin) Coins {
	c, err := NewCoins(cs...)
	if err != nil {
		panic(err)
	}
	return c
}

// AmountOf returns the amount held for denomination, zero when absent.
func (c Coins) AmountOf(denomination string) decimal.Decimal {
	return c.ToDecVec().AmountOf(denomination)
}

// IsZero reports whether every denomination is zero.
func (c Coins) IsZero() bool {
	return len(c) == 0
}

// Equal reports whether c and o hold the same non-zero amounts.
func (c Coins) Equal(o Coins) bool {
	return c.ToDecVec().Equal(o.ToDecVec())
}

// Add returns c + o.
func (c Coins) Add(o Coins) Coins {
	return fromDecVec(c.ToDecVec().Add(o.ToDecVec()))
}

// Sub returns c - o, failing with ErrNegativeAmount when o exceeds c in any
// denomination.
func (c Coins) Sub(o Coins) (Coins, error) {
	v, err := c.ToDecVec().Sub(o.ToDecVec())
	if err != nil {
		return nil, err
	}
	return fromDecVec(v), nil
}

// ToDecVec widens c to a fractional vector.
func (c Coins) ToDecVec() DecVec {
	if len(c) == 0 {
		return nil
	}
	v := make(DecVec, len(c))
	for i, coin := range c {
		v[i] = DecCoin(coin)
	}
	return v
}

func fromDecVec(v DecVec) Coins {
	if len(v) == 0 {
		return nil
	}
	c := make(Coins, len(v))
	for i, dc := range v {
		c[i] = Coin(dc)
	}
	return c
}

func (c Coins) String() string {
	parts := make([]string, len(c))
	for i, coin := range c {
		parts[i] = coin.String()
	}
	return strings.Join(parts, ",")
}

// MarshalJSON encodes the empty vector as [] rather than null.
func (c Coins) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Coin(c))
}

// UnmarshalJSON validates and normalizes the decoded entries.
func (c *Coins) UnmarshalJSON(data []byte) error {
	var raw []Coin
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nc, err := NewCoins(raw...)
	if err != nil {
		return err
	}
	*c = nc
	return nil
}
