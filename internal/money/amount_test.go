package money_test

import (
	"encoding/json"
	"math"
	"testing"

	"fractallend/internal/money"
)

// ============================================================================
// Test: Parse / String
// ============================================================================

func TestParse_RoundTrip(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0", "0"},
		{"1", "1"},
		{"1.5", "1.5"},
		{"0.05", "0.05"},
		{"0.00000001", "0.00000001"},
		{"100.25000000", "100.25"},
		{"-3.75", "-3.75"},
		{"0.500000000000", "0.5"}, // zeros past precision are harmless
	}

	for _, c := range cases {
		a, err := money.Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", c.in, err)
		}
		if got := a.String(); got != c.want {
			t.Errorf("Parse(%q).String() = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", ".", "abc", "1.2.3", "0.123456789"} {
		if _, err := money.Parse(in); err == nil {
			t.Errorf("Parse(%q) should fail", in)
		}
	}
}

func TestFromUnits(t *testing.T) {
	if got := money.FromUnits(2).String(); got != "2" {
		t.Errorf("FromUnits(2) = %q, want %q", got, "2")
	}
}

// ============================================================================
// Test: arithmetic
// ============================================================================

func TestMul(t *testing.T) {
	a := money.MustParse("1.5")
	b := money.MustParse("2")
	if got := a.Mul(b); got != money.MustParse("3") {
		t.Errorf("1.5 * 2 = %s, want 3", got)
	}
}

func TestDiv(t *testing.T) {
	a := money.MustParse("1")
	b := money.MustParse("3")
	if got := a.Div(b).String(); got != "0.33333333" {
		t.Errorf("1 / 3 = %s, want 0.33333333", got)
	}
}

func TestDiv_ByZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Div by zero should panic")
		}
	}()
	money.One.Div(money.Zero)
}

func TestMulQuo_Interest(t *testing.T) {
	// 0.5 borrowed at 5% for half a year: 0.5 * 0.05 * 0.5 = 0.0125
	principal := money.MustParse("0.5")
	rate := money.MustParse("0.05")
	interest := principal.Mul(rate).MulQuo(182*24*3600+43200, 365*24*3600)
	if got := interest.String(); got != "0.0125" {
		t.Errorf("half-year interest = %s, want 0.0125", got)
	}
}

func TestValueRatio(t *testing.T) {
	// (1 * 100) / (0.5 * 100) = 2
	got := money.ValueRatio(
		money.MustParse("1"), money.MustParse("100"),
		money.MustParse("0.5"), money.MustParse("100"),
	)
	if got != money.MustParse("2") {
		t.Errorf("ValueRatio = %s, want 2", got)
	}
}

func TestValueRatio_NoIntermediateDrift(t *testing.T) {
	// (0.00000003 * 0.00000007) / (0.00000001 * 0.00000007) = 3 exactly,
	// even though each product underflows the Amount scale on its own.
	got := money.ValueRatio(
		money.MustParse("0.00000003"), money.MustParse("0.00000007"),
		money.MustParse("0.00000001"), money.MustParse("0.00000007"),
	)
	if got != money.MustParse("3") {
		t.Errorf("ValueRatio = %s, want 3", got)
	}
}

// ============================================================================
// Test: rounding
// ============================================================================

func TestMul_BankersRounding(t *testing.T) {
	// 0.00000001 * 0.5 = 0.000000005 → rounds to even 0
	a := money.MustParse("0.00000001")
	if got := a.Mul(money.MustParse("0.5")); got != money.Zero {
		t.Errorf("0.00000001 * 0.5 = %s, want 0", got)
	}
	// 0.00000003 * 0.5 = 0.000000015 → rounds to even 0.00000002
	b := money.MustParse("0.00000003")
	if got := b.Mul(money.MustParse("0.5")); got != money.MustParse("0.00000002") {
		t.Errorf("0.00000003 * 0.5 = %s, want 0.00000002", got)
	}
}

// ============================================================================
// Test: encoding
// ============================================================================

func TestJSON(t *testing.T) {
	a := money.MustParse("1.25")
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"1.25"` {
		t.Errorf("marshal = %s, want %q", data, `"1.25"`)
	}

	var back money.Amount
	if err := json.Unmarshal([]byte(`"0.5"`), &back); err != nil {
		t.Fatal(err)
	}
	if back != money.MustParse("0.5") {
		t.Errorf("unmarshal string = %s, want 0.5", back)
	}
	if err := json.Unmarshal([]byte(`0.5`), &back); err != nil {
		t.Fatal(err)
	}
	if back != money.MustParse("0.5") {
		t.Errorf("unmarshal number = %s, want 0.5", back)
	}
}

func TestSQLRoundTrip(t *testing.T) {
	a := money.MustParse("42.00000001")
	v, err := a.Value()
	if err != nil {
		t.Fatal(err)
	}
	var back money.Amount
	if err := back.Scan([]byte(v.(string))); err != nil {
		t.Fatal(err)
	}
	if back != a {
		t.Errorf("scan(value()) = %s, want %s", back, a)
	}
}

func TestScanInt64Bounds(t *testing.T) {
	max := math.MaxInt64 / money.Scale

	var a money.Amount
	if err := a.Scan(max); err != nil {
		t.Fatalf("Scan(%d) error = %v", max, err)
	}
	if a != money.Amount(max*money.Scale) {
		t.Errorf("scan(%d) = %d, want %d", max, a, max*money.Scale)
	}

	for _, v := range []int64{max + 1, -max - 1, math.MaxInt64} {
		if err := a.Scan(v); err == nil {
			t.Errorf("Scan(%d) = nil error, want out of range", v)
		}
	}
}
