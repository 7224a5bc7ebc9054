package billing_test

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterco/billing-engine/billing"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"150", "150.00", false},
		{"150.5", "150.50", false},
		{" 1,250.00 ", "1250.00", false},
		{"10.000", "10.00", false},
		{"999999999999.99", "999999999999.99", false},
		{"0.005", "", true},
		{"10.004", "", true},
		{"1000000000000", "", true},
		{"1e20000000", "", true},
		{"1e-20000000", "", true},
		{"", "", true},
		{"abc", "", true},
		{"1.2.3", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := billing.ParseMoney(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.String())
		})
	}
}

func TestParseMoney_ErrorKinds(t *testing.T) {
	_, err := billing.ParseMoney("10.005")
	assert.ErrorIs(t, err, billing.ErrTooManyDigits)

	_, err = billing.ParseMoney("1e20000000")
	assert.ErrorIs(t, err, billing.ErrOutOfRange)
}

func TestParseReading_Bounds(t *testing.T) {
	d, err := billing.ParseReading("1234.567891")
	require.NoError(t, err)
	assert.Equal(t, "1234.567891", d.String())

	for _, in := range []string{"1e20000000", "1e-20000000", "0.0000001", "1000000000000"} {
		_, err := billing.ParseReading(in)
		assert.ErrorIs(t, err, billing.ErrOutOfRange, in)
	}
}

func TestMoney_ArithmeticIsExact(t *testing.T) {
	// 0.1 + 0.2 must be exactly 0.30
	sum := billing.MustParseMoney("0.1").Add(billing.MustParseMoney("0.2"))
	assert.Equal(t, "0.30", sum.String())
	assert.True(t, sum.Equal(billing.MustParseMoney("0.3")))

	charge := billing.NewMoney(decimal.RequireFromString("3.333").Mul(decimal.NewFromInt(5)))
	assert.Equal(t, "16.67", charge.String())
}

func TestMoney_JSON(t *testing.T) {
	out, err := json.Marshal(struct {
		Total billing.Money `json:"total"`
	}{billing.MustParseMoney("40")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":"40.00"}`, string(out))

	var in struct {
		Amount billing.Money `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount":12.5}`), &in))
	assert.Equal(t, "12.50", in.Amount.String())
}

func TestMoney_Scan(t *testing.T) {
	var m billing.Money
	require.NoError(t, m.Scan(nil))
	assert.True(t, m.IsZero())

	require.NoError(t, m.Scan("19.99"))
	assert.Equal(t, "19.99", m.String())

	require.NoError(t, m.Scan([]byte("7")))
	assert.Equal(t, "7.00", m.String())

	v, err := billing.MustParseMoney("3.5").Value()
	require.NoError(t, err)
	assert.Equal(t, "3.50", v)
}

func TestResult(t *testing.T) {
	id := billing.BillID(7)
	ok := billing.Ok(&id, "first")
	more := ok.WithMessage("second")

	assert.Equal(t, []string{"first"}, ok.Toast, "WithMessage must not mutate the receiver")
	assert.Equal(t, []string{"first", "second"}, more.Toast)
	assert.Equal(t, "first; second", more.Message())
	id = 8
	assert.Equal(t, billing.BillID(7), *more.BillID)

	failed := billing.Failed(billing.KindNotFound, "Bill not found")
	assert.False(t, failed.OK())
	assert.Nil(t, failed.BillID)
	assert.Equal(t, billing.KindNotFound, failed.Kind)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, billing.KindNone, billing.KindOf(nil))
	assert.Equal(t, billing.KindNotFound, billing.KindOf(billing.ErrBillNotFound))
	assert.Equal(t, billing.KindPersistence, billing.KindOf(assert.AnError))
	assert.True(t, billing.KindRejected.IsClientFacing())
	assert.False(t, billing.KindPersistence.IsClientFacing())
}
