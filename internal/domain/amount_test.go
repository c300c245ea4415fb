package domain

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{name: "whole", input: "1", ok: true},
		{name: "fraction", input: "0.000000000000000001", ok: true},
		{name: "large", input: "999999999999999999999999999999", ok: true},
		{name: "zero", input: "0"},
		{name: "negative", input: "-5"},
		{name: "tiny exponent", input: "1e-20000000"},
		{name: "huge exponent", input: "1e20000000"},
		{name: "too many decimals", input: "0.0000000000000000001"},
		{name: "too many integer digits", input: "1000000000000000000000000000000"},
		{name: "wide coefficient", input: strings.Repeat("9", 2000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAmount(decimal.RequireFromString(tt.input))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}
