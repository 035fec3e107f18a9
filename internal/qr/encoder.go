// Package qr renders the verification image printed on issued invoices.
//
// The payload is a fixed JSON document; encoding the same record twice
// produces byte-identical PNGs, so regenerated invoices stay visually
// reproducible.
package qr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	dErrors "github.com/Maybe-Sama/eureka-connect-sub003/pkg/domain-errors"
)

// SchemaVersion identifies the payload layout for external verifiers.
const SchemaVersion = 1

// Print geometry: the code must occupy a 30-40mm band on a 300 DPI invoice.
// 35mm at 300 DPI is 413px.
const (
	dpi      = 300
	targetMM = 35
)

// ImageSizePx is the rendered edge length in pixels, including the standard
// quiet zone the encoder adds. 25.4mm per inch, kept in integer arithmetic.
const ImageSizePx = targetMM * dpi * 10 / 254

// Payload is the machine-verifiable content embedded in the image.
type Payload struct {
	SchemaVersion   int    `json:"schema_version"`
	Hash            string `json:"hash"`
	IssuerID        string `json:"issuer_id"`
	Series          string `json:"series"`
	SequenceNumber  int64  `json:"sequence_number"`
	IssuanceDate    string `json:"issuance_date"`
	TotalAmount     string `json:"total_amount"`
	VerificationURL string `json:"verification_url"`
	Timestamp       string `json:"timestamp"`
}

// Encoder renders verification images for ledger records.
type Encoder struct {
	verificationURL string
}

func NewEncoder(verificationURL string) *Encoder {
	return &Encoder{verificationURL: verificationURL}
}

// PayloadFor builds the verification payload for a record.
func (e *Encoder) PayloadFor(record *models.IssuanceRecord) Payload {
	return Payload{
		SchemaVersion:   SchemaVersion,
		Hash:            record.HashCurrent,
		IssuerID:        record.Issuer.FiscalID,
		Series:          record.Series,
		SequenceNumber:  record.SequenceNumber,
		IssuanceDate:    record.Timestamp.UTC().Format("2006-01-02"),
		TotalAmount:     record.Total.String(),
		VerificationURL: e.verificationURL,
		Timestamp:       record.Timestamp.UTC().Format(time.RFC3339),
	}
}

// Encode renders the record's verification payload as a PNG. Medium error
// correction, fixed size. A payload exceeding QR capacity is an error; error
// correction is never lowered and the payload is never truncated to make
// content fit.
func (e *Encoder) Encode(record *models.IssuanceRecord) ([]byte, error) {
	if record.HashCurrent == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "record has no chain hash")
	}
	content, err := json.Marshal(e.PayloadFor(record))
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	code, err := qrcode.New(string(content), qrcode.Medium)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation,
			"verification payload exceeds code capacity")
	}
	png, err := code.PNG(ImageSizePx)
	if err != nil {
		return nil, fmt.Errorf("render image: %w", err)
	}
	return png, nil
}
