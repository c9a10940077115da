package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr error
	}{
		{"100", "100", nil},
		{"100.50", "100.50", nil},
		{"0.01", "0.01", nil},
		{"99999.99", "99999.99", nil},

		{"", "", ErrInvalidAmount},
		{"abc", "", ErrInvalidAmount},
		{"1.2.3", "", ErrInvalidAmount},
		{"10.005", "", ErrInvalidAmount}, // 3 decimal places
		{"0", "", ErrNegativeAmount},
		{"0.00", "", ErrNegativeAmount},
		{"-5", "", ErrNegativeAmount},
	}

	for _, tc := range tests {
		got, err := Parse(tc.input)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Parse(%q) error = %v, want %v", tc.input, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tc.input, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("Parse(%q) = %s, want %s", tc.input, got, tc.want)
		}
	}
}

func TestFee(t *testing.T) {
	rate, _ := decimal.NewFromString("0.025")
	tests := []struct {
		amount string
		want   string
	}{
		{"100.00", "2.50"},
		{"80.00", "2.00"},
		{"10.01", "0.25"},  // 0.25025 rounds down
		{"10.20", "0.26"},  // 0.255 rounds half away from zero
		{"0.01", "0.00"},   // 0.00025 rounds to zero
		{"1000.00", "25.00"},
	}

	for _, tc := range tests {
		amount, _ := decimal.NewFromString(tc.amount)
		if got := Fee(amount, rate); Format(got) != tc.want {
			t.Errorf("Fee(%s, 2.5%%) = %s, want %s", tc.amount, Format(got), tc.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"100", "100.00"},
		{"100.5", "100.50"},
		{"0.1", "0.10"},
	}
	for _, tc := range tests {
		d, _ := decimal.NewFromString(tc.input)
		if got := Format(d); got != tc.want {
			t.Errorf("Format(%s) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
