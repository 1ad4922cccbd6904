package money

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync"
)

// Amount is a fixed-point decimal amount: an int64 scaled by 1e8.
// Token quantities, spot prices, rates and ratios all share this scale so
// that intermediate products stay exact in big.Int space. Loan accounting
// never touches float64.
type Amount int64

const (
	// Precision is the number of decimal places carried by an Amount.
	Precision = 8
	// Scale is 10^Precision.
	Scale int64 = 100_000_000
)

// Zero is the zero amount.
const Zero Amount = 0

// One is 1.0 at Amount scale.
const One Amount = Amount(Scale)

var bigScale = big.NewInt(Scale)

// bigPool recycles big.Int values used for intermediate products.
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // banker's rounding (default)
	RoundDown
	RoundUp
)

// FromUnits returns the amount for a whole number of units, e.g.
// FromUnits(2) == "2".
func FromUnits(units int64) Amount {
	return Amount(units * Scale)
}

// Parse converts a decimal string such as "1.5", "0.05" or "-3" into an
// Amount. More than 8 fractional digits are rejected rather than silently
// rounded: amounts arrive from request bodies and the database, and both
// must round-trip exactly.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" || s == "." {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > Precision {
		// Trailing zeros beyond the supported precision are harmless.
		extra := fracPart[Precision:]
		if strings.Trim(extra, "0") != "" {
			return 0, fmt.Errorf("amount %q exceeds %d decimal places", s, Precision)
		}
		fracPart = fracPart[:Precision]
	}
	fracPart += strings.Repeat("0", Precision-len(fracPart))

	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount %q out of range", s)
	}
	n := v.Int64()
	if neg {
		n = -n
	}
	return Amount(n), nil
}

// MustParse is Parse for constants in tests and defaults; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String formats the amount as a minimal decimal string ("0.5", not
// "0.50000000").
func (a Amount) String() string {
	n := int64(a)
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	whole := n / Scale
	frac := n % Scale
	if frac == 0 {
		return fmt.Sprintf("%s%d", sign, whole)
	}
	fracStr := strings.TrimRight(fmt.Sprintf("%08d", frac), "0")
	return fmt.Sprintf("%s%d.%s", sign, whole, fracStr)
}

func (a Amount) IsZero() bool     { return a == 0 }
func (a Amount) IsPositive() bool { return a > 0 }
func (a Amount) IsNegative() bool { return a < 0 }

func (a Amount) Add(b Amount) Amount { return a + b }
func (a Amount) Sub(b Amount) Amount { return a - b }

// Cmp returns -1, 0 or +1 comparing a against b.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Mul returns a × b at Amount scale: (a*b)/Scale with banker's rounding.
func (a Amount) Mul(b Amount) Amount {
	num := getBig()
	num.Mul(big.NewInt(int64(a)), big.NewInt(int64(b)))
	result := divideBig(num, Scale, RoundHalfEven)
	putBig(num)
	return Amount(result)
}

// Div returns a ÷ b at Amount scale: (a*Scale)/b with banker's rounding.
// Division by zero panics; callers guard zero debt explicitly.
func (a Amount) Div(b Amount) Amount {
	if b == 0 {
		panic("money: division by zero")
	}
	num := getBig()
	num.Mul(big.NewInt(int64(a)), bigScale)
	result := divideBig(num, int64(b), RoundHalfEven)
	putBig(num)
	return Amount(result)
}

// MulQuo returns a × num ÷ den with banker's rounding. It is the building
// block for pro-rata terms such as interest over an elapsed window.
func (a Amount) MulQuo(num, den int64) Amount {
	if den == 0 {
		panic("money: division by zero")
	}
	p := getBig()
	p.Mul(big.NewInt(int64(a)), big.NewInt(num))
	result := divideBig(p, den, RoundHalfEven)
	putBig(p)
	return Amount(result)
}

// ValueRatio returns (a × aPrice) / (b × bPrice) at Amount scale. This is
// the health-factor kernel: the full numerator and denominator products are
// formed in big.Int before the single division, so no precision is lost to
// intermediate rounding.
func ValueRatio(a, aPrice, b, bPrice Amount) Amount {
	num := getBig()
	num.Mul(big.NewInt(int64(a)), big.NewInt(int64(aPrice)))
	num.Mul(num, bigScale)

	den := getBig()
	den.Mul(big.NewInt(int64(b)), big.NewInt(int64(bPrice)))

	quotient := getBig()
	remainder := getBig()
	quotient.QuoRem(num, den, remainder)

	result := roundQuotient(quotient, remainder, den)

	putBig(num)
	putBig(den)
	putBig(quotient)
	putBig(remainder)
	return Amount(result)
}

// divideBig performs numerator / denominator with the given rounding mode.
// Negative numerators round by magnitude.
func divideBig(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	neg := numerator.Sign() < 0
	if neg {
		numerator.Neg(numerator)
	}

	denom := big.NewInt(denominator)
	quotient := getBig()
	remainder := getBig()
	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()

	switch mode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 {
			if denominator%2 != 0 {
				// Odd denominator: remainder == denom/2 is below true half.
			} else if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundDown:
		// truncation already happened
	}

	putBig(quotient)
	putBig(remainder)

	if neg {
		return -result
	}
	return result
}

func roundQuotient(quotient, remainder, denom *big.Int) int64 {
	result := quotient.Int64()
	doubled := new(big.Int).Lsh(remainder, 1)
	cmp := doubled.Cmp(denom)
	if cmp > 0 {
		result++
	} else if cmp == 0 && result%2 != 0 {
		result++
	}
	return result
}

// --- encoding ---

// MarshalJSON encodes the amount as a JSON string to keep wallet clients
// away from float parsing.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON accepts both `"1.5"` and `1.5` forms.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*a = 0
		return nil
	case int64:
		if v > math.MaxInt64/Scale || v < math.MinInt64/Scale {
			return fmt.Errorf("amount %d out of range", v)
		}
		*a = Amount(v * Scale)
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
}

// Value implements driver.Valuer; amounts are stored as decimal strings.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}
