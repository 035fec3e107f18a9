package models

import (
	"strings"

	"github.com/shopspring/decimal"

	dErrors "github.com/Maybe-Sama/eureka-connect-sub003/pkg/domain-errors"
)

// IssueRequest is the closed, versioned payload accepted by issuance.
// Unknown or malformed shapes are rejected here at the validation boundary;
// nothing downstream ever inspects loose properties. The issuer party is
// optional: when absent, the deployment's configured issuer identity is
// stamped onto the record.
type IssueRequest struct {
	Series      string       `json:"series,omitempty"`
	Issuer      Party        `json:"issuer"`
	Recipient   Party        `json:"recipient"`
	Lines       []ChargeLine `json:"lines"`
	Description string       `json:"description,omitempty"`
}

const maxChargeLines = 500

// Validate checks required payload fields and internal consistency.
// Validation failures carry enough detail for the caller to correct the
// request.
func (r *IssueRequest) Validate() error {
	if strings.TrimSpace(r.Recipient.FiscalID) == "" {
		return dErrors.New(dErrors.CodeValidation, "recipient fiscal id is required")
	}
	if len(r.Lines) == 0 {
		return dErrors.New(dErrors.CodeValidation, "at least one charge line is required")
	}
	if len(r.Lines) > maxChargeLines {
		return dErrors.Newf(dErrors.CodeValidation, "too many charge lines (max %d)", maxChargeLines)
	}
	if r.Series != "" && !validSeries(r.Series) {
		return dErrors.Newf(dErrors.CodeValidation, "series %q must be a short uppercase tag", r.Series)
	}
	for i, line := range r.Lines {
		if strings.TrimSpace(line.Description) == "" {
			return dErrors.Newf(dErrors.CodeValidation, "line %d: description is required", i)
		}
		if line.Quantity.Sign() <= 0 {
			return dErrors.Newf(dErrors.CodeValidation, "line %d: quantity must be positive", i)
		}
		if line.UnitPrice.Sign() < 0 {
			return dErrors.Newf(dErrors.CodeValidation, "line %d: unit price must not be negative", i)
		}
		if line.TaxRate.Sign() < 0 || line.TaxRate.GreaterThan(decimal.NewFromInt(100)) {
			return dErrors.Newf(dErrors.CodeValidation, "line %d: tax rate must be between 0 and 100", i)
		}
	}
	if r.Total().Sign() < 0 {
		return dErrors.New(dErrors.CodeValidation, "total must not be negative")
	}
	return nil
}

// Total computes the gross total over all charge lines.
func (r *IssueRequest) Total() decimal.Decimal {
	total := decimal.Zero
	for _, line := range r.Lines {
		total = total.Add(line.Gross())
	}
	return total
}

// TaxBreakdown aggregates the request's lines by tax rate.
func (r *IssueRequest) TaxBreakdown() []TaxSummary {
	byRate := map[string]*TaxSummary{}
	var order []string
	for _, line := range r.Lines {
		key := line.TaxRate.String()
		entry, ok := byRate[key]
		if !ok {
			entry = &TaxSummary{Rate: line.TaxRate, Base: decimal.Zero, Amount: decimal.Zero}
			byRate[key] = entry
			order = append(order, key)
		}
		entry.Base = entry.Base.Add(line.Net())
		entry.Amount = entry.Amount.Add(line.Tax())
	}
	out := make([]TaxSummary, 0, len(order))
	for _, key := range order {
		out = append(out, *byRate[key])
	}
	return out
}

// validSeries accepts 1-8 uppercase letters or digits, starting with a letter.
func validSeries(series string) bool {
	if len(series) < 1 || len(series) > 8 {
		return false
	}
	for i, r := range series {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
