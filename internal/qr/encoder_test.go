package qr

import (
	"bytes"
	"encoding/json"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	dErrors "github.com/Maybe-Sama/eureka-connect-sub003/pkg/domain-errors"
)

func sampleRecord() *models.IssuanceRecord {
	return &models.IssuanceRecord{
		ID:             uuid.MustParse("42a1f0e8-55b5-4ce8-9d3e-1f6b9a4c2d10"),
		Series:         "FAC",
		SequenceNumber: 17,
		Year:           2026,
		Issuer:         models.Party{FiscalID: "B12345678", Name: "Academia Eureka SL"},
		Total:          decimal.RequireFromString("121.00"),
		HashCurrent:    strings.Repeat("ab", 32),
		Timestamp:      time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
	}
}

func TestPayloadFields(t *testing.T) {
	enc := NewEncoder("https://verify.example.com/invoices")
	payload := enc.PayloadFor(sampleRecord())

	assert.Equal(t, 1, payload.SchemaVersion)
	assert.Equal(t, strings.Repeat("ab", 32), payload.Hash)
	assert.Equal(t, "B12345678", payload.IssuerID)
	assert.Equal(t, "FAC", payload.Series)
	assert.Equal(t, int64(17), payload.SequenceNumber)
	assert.Equal(t, "2026-03-14", payload.IssuanceDate)
	assert.Equal(t, "121.00", payload.TotalAmount)
	assert.Equal(t, "https://verify.example.com/invoices", payload.VerificationURL)
	assert.Equal(t, "2026-03-14T10:30:00Z", payload.Timestamp)

	// The JSON shape is the external contract.
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{
		"schema_version", "hash", "issuer_id", "series", "sequence_number",
		"issuance_date", "total_amount", "verification_url", "timestamp",
	} {
		assert.Contains(t, decoded, key)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	enc := NewEncoder("https://verify.example.com/invoices")

	first, err := enc.Encode(sampleRecord())
	require.NoError(t, err)
	second, err := enc.Encode(sampleRecord())
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, second), "same record must render identical bytes")
}

func TestEncodeImageGeometry(t *testing.T) {
	enc := NewEncoder("https://verify.example.com/invoices")
	data, err := enc.Encode(sampleRecord())
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	bounds := img.Bounds()
	assert.Equal(t, ImageSizePx, bounds.Dx())
	assert.Equal(t, ImageSizePx, bounds.Dy())

	// 30-40mm at 300 DPI.
	assert.GreaterOrEqual(t, ImageSizePx, 354)
	assert.LessOrEqual(t, ImageSizePx, 472)
}

func TestEncodeRejectsUnhashedRecord(t *testing.T) {
	enc := NewEncoder("https://verify.example.com/invoices")
	record := sampleRecord()
	record.HashCurrent = ""

	_, err := enc.Encode(record)
	require.Error(t, err)
	assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	// A verification URL past QR capacity must fail, not degrade error
	// correction or truncate.
	enc := NewEncoder("https://verify.example.com/" + strings.Repeat("x", 4000))
	_, err := enc.Encode(sampleRecord())
	require.Error(t, err)
	assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
}
