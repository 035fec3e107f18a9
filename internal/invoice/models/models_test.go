package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "github.com/Maybe-Sama/eureka-connect-sub003/pkg/domain-errors"
)

func validRequest() IssueRequest {
	return IssueRequest{
		Issuer:    Party{FiscalID: "B12345678", Name: "Academia Eureka SL"},
		Recipient: Party{FiscalID: "12345678Z", Name: "Ana García"},
		Lines: []ChargeLine{
			{
				Description: "Clases de matemáticas - marzo",
				Quantity:    decimal.NewFromInt(4),
				UnitPrice:   decimal.RequireFromString("25.00"),
				TaxRate:     decimal.RequireFromString("21"),
			},
		},
	}
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to RecordState
		ok       bool
	}{
		{StateProvisional, StateFinal, true},
		{StateProvisional, StateDeleted, true},
		{StateFinal, StateAnnulled, true},
		{StateProvisional, StateAnnulled, false},
		{StateFinal, StateDeleted, false},
		{StateFinal, StateFinal, false},
		{StateAnnulled, StateFinal, false},
		{StateAnnulled, StateDeleted, false},
		{StateDeleted, StateFinal, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "FAC-0001", FormatNumber("FAC", 1))
	assert.Equal(t, "FAC-0042", FormatNumber("FAC", 42))
	assert.Equal(t, "FAC-12345", FormatNumber("FAC", 12345))
}

func TestChargeLineMath(t *testing.T) {
	line := ChargeLine{
		Quantity:  decimal.NewFromInt(4),
		UnitPrice: decimal.RequireFromString("25.00"),
		TaxRate:   decimal.RequireFromString("21"),
	}
	assert.True(t, line.Net().Equal(decimal.RequireFromString("100.00")), "net %s", line.Net())
	assert.True(t, line.Tax().Equal(decimal.RequireFromString("21.00")), "tax %s", line.Tax())
	assert.True(t, line.Gross().Equal(decimal.RequireFromString("121.00")), "gross %s", line.Gross())
}

func TestIssueRequestValidate(t *testing.T) {
	t.Run("valid request passes", func(t *testing.T) {
		req := validRequest()
		require.NoError(t, req.Validate())
	})

	t.Run("issuer party is optional", func(t *testing.T) {
		req := validRequest()
		req.Issuer = Party{}
		require.NoError(t, req.Validate())
	})

	t.Run("missing recipient fiscal id", func(t *testing.T) {
		req := validRequest()
		req.Recipient.FiscalID = ""
		assert.True(t, dErrors.Is(req.Validate(), dErrors.CodeValidation))
	})

	t.Run("no charge lines", func(t *testing.T) {
		req := validRequest()
		req.Lines = nil
		assert.True(t, dErrors.Is(req.Validate(), dErrors.CodeValidation))
	})

	t.Run("negative unit price", func(t *testing.T) {
		req := validRequest()
		req.Lines[0].UnitPrice = decimal.RequireFromString("-1")
		assert.True(t, dErrors.Is(req.Validate(), dErrors.CodeValidation))
	})

	t.Run("zero quantity", func(t *testing.T) {
		req := validRequest()
		req.Lines[0].Quantity = decimal.Zero
		assert.True(t, dErrors.Is(req.Validate(), dErrors.CodeValidation))
	})

	t.Run("lowercase series rejected", func(t *testing.T) {
		req := validRequest()
		req.Series = "fac"
		assert.True(t, dErrors.Is(req.Validate(), dErrors.CodeValidation))
	})

	t.Run("uppercase series accepted", func(t *testing.T) {
		req := validRequest()
		req.Series = "FAC2"
		require.NoError(t, req.Validate())
	})
}

func TestTaxBreakdownAggregatesByRate(t *testing.T) {
	req := validRequest()
	req.Lines = append(req.Lines,
		ChargeLine{
			Description: "Material",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.RequireFromString("50.00"),
			TaxRate:     decimal.RequireFromString("21"),
		},
		ChargeLine{
			Description: "Libros",
			Quantity:    decimal.NewFromInt(2),
			UnitPrice:   decimal.RequireFromString("10.00"),
			TaxRate:     decimal.RequireFromString("4"),
		},
	)

	breakdown := req.TaxBreakdown()
	require.Len(t, breakdown, 2)
	assert.True(t, breakdown[0].Base.Equal(decimal.RequireFromString("150.00")))
	assert.True(t, breakdown[0].Amount.Equal(decimal.RequireFromString("31.50")))
	assert.True(t, breakdown[1].Base.Equal(decimal.RequireFromString("20.00")))
	assert.True(t, breakdown[1].Amount.Equal(decimal.RequireFromString("0.80")))
}

func TestCanonicalPayloadExcludesVolatileFields(t *testing.T) {
	req := validRequest()
	rec := IssuanceRecord{
		Series:         "FAC",
		SequenceNumber: 1,
		Year:           2025,
		Issuer:         req.Issuer,
		Recipient:      req.Recipient,
		Lines:          req.Lines,
		Total:          req.Total(),
	}
	payload := rec.CanonicalPayload()
	_, hasHash := payload["hash_current"]
	_, hasSig := payload["signature"]
	_, hasState := payload["state"]
	assert.False(t, hasHash)
	assert.False(t, hasSig)
	assert.False(t, hasState)
	assert.Equal(t, "FAC", payload["series"])
}
