package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/clockguard"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog"
	evmemory "github.com/Maybe-Sama/eureka-connect-sub003/internal/eventlog/store/memory"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/hashchain"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/service"
	invmemory "github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/store/memory"
	jwttoken "github.com/Maybe-Sama/eureka-connect-sub003/internal/jwt_token"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/platform/config"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/qr"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/sequence"
	seqmemory "github.com/Maybe-Sama/eureka-connect-sub003/internal/sequence/store/memory"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/signing"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/tx"
)

type staticClock struct{ state clockguard.State }

func (s *staticClock) Latest() clockguard.State { return s.state }

type testServer struct {
	router http.Handler
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	signer, err := signing.New("transport-test-secret")
	require.NoError(t, err)

	events := eventlog.NewService(evmemory.New(), logger, time.Hour)
	clock := &staticClock{state: clockguard.State{
		OffsetSeconds: 0.4,
		Synchronized:  true,
		Verifiable:    true,
		CheckedAt:     time.Now().UTC(),
	}}

	ledger := service.NewService(service.Config{
		Store:       invmemory.NewStore(),
		Counters:    sequence.NewAllocator(seqmemory.New()),
		Signer:      signer,
		Events:      events,
		Clock:       clock,
		Runner:      tx.NewMutexRunner(),
		Logger:      logger,
		Issuer:      models.Party{FiscalID: "B12345678", Name: "Academia Eureka SL"},
		Series:      "FAC",
		ClockPolicy: config.ClockPolicyWarn,
	})

	tokens := jwttoken.NewService("transport-test-jwt-key", "ledger-test")
	token, err := tokens.GenerateAccessToken("admin@academia", time.Hour)
	require.NoError(t, err)

	router := NewRouter(RouterConfig{
		Ledger:    NewLedgerHandler(ledger, qr.NewEncoder("https://verify.example.com"), logger),
		System:    NewSystemHandler(events, clock),
		Validator: tokens,
		Logger:    logger,
	})

	return &testServer{router: router, token: token}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func issueBody() map[string]any {
	return map[string]any{
		"recipient": map[string]any{"fiscal_id": "12345678Z", "name": "Ana García"},
		"lines": []map[string]any{
			{
				"description": "Clases de matemáticas",
				"quantity":    "4",
				"unit_price":  "25.00",
				"tax_rate":    "21",
			},
		},
	}
}

func (ts *testServer) issue(t *testing.T) models.IssuanceRecord {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/invoices", issueBody(), true)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var record models.IssuanceRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
	return record
}

func TestIssueEndpoint(t *testing.T) {
	ts := newTestServer(t)

	t.Run("requires authentication", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/invoices", issueBody(), false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("issues a provisional record", func(t *testing.T) {
		record := ts.issue(t)
		assert.Equal(t, "FAC-0001", record.Number())
		assert.Equal(t, models.StateProvisional, record.State)
		assert.Equal(t, hashchain.GenesisHash, record.HashPrevious)
		assert.Equal(t, "admin@academia", record.IssuedBy)
		assert.NotEmpty(t, record.Signature)
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		body := issueBody()
		body["surprise"] = true
		w := ts.do(t, http.MethodPost, "/invoices", body, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects invalid payload", func(t *testing.T) {
		body := issueBody()
		body["lines"] = []map[string]any{}
		w := ts.do(t, http.MethodPost, "/invoices", body, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "validation_error")
	})
}

func TestLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	record := ts.issue(t)

	t.Run("finalize", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, fmt.Sprintf("/invoices/%s/finalize", record.ID), nil, true)
		require.Equal(t, http.StatusOK, w.Code)
		var updated models.IssuanceRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
		assert.Equal(t, models.StateFinal, updated.State)
	})

	t.Run("finalize twice conflicts", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, fmt.Sprintf("/invoices/%s/finalize", record.ID), nil, true)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("delete final invoice refused", func(t *testing.T) {
		w := ts.do(t, http.MethodDelete, fmt.Sprintf("/invoices/%s", record.ID), nil, true)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("annul", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, fmt.Sprintf("/invoices/%s/annul", record.ID),
			map[string]any{"reason": "duplicate"}, true)
		require.Equal(t, http.StatusCreated, w.Code)
		var annulment models.AnnulmentRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &annulment))
		assert.Equal(t, record.ID, annulment.TargetID)
	})

	t.Run("delete provisional", func(t *testing.T) {
		victim := ts.issue(t)
		w := ts.do(t, http.MethodDelete, fmt.Sprintf("/invoices/%s", victim.ID), nil, true)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = ts.do(t, http.MethodGet, fmt.Sprintf("/invoices/%s", victim.ID), nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var got models.IssuanceRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, models.StateDeleted, got.State)
		assert.Empty(t, got.Lines)
	})

	t.Run("invalid id", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/invoices/not-a-uuid", nil, false)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/invoices/8b9c2a70-07ab-40e3-bf1e-64c241836ba1", nil, false)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestChainEndpoints(t *testing.T) {
	ts := newTestServer(t)

	t.Run("empty ledger head is genesis", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/chain/head", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, hashchain.GenesisHash, body["head_hash"])
	})

	record := ts.issue(t)

	t.Run("head follows appends", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/chain/head", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, record.HashCurrent, body["head_hash"])
	})

	t.Run("verification passes", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/chain/verify", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, true, body["valid"])
	})

	t.Run("export", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/ledger/export", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var export service.LedgerExport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &export))
		assert.Equal(t, int64(1), export.TotalRecords)
		assert.Len(t, export.Records, 1)
	})
}

func TestQREndpoint(t *testing.T) {
	ts := newTestServer(t)
	record := ts.issue(t)

	t.Run("serves a PNG", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, fmt.Sprintf("/invoices/%s/qr.png", record.ID), nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
		assert.Equal(t, "\x89PNG", w.Body.String()[:4])
	})

	t.Run("no image for deleted records", func(t *testing.T) {
		victim := ts.issue(t)
		del := ts.do(t, http.MethodDelete, fmt.Sprintf("/invoices/%s", victim.ID), nil, true)
		require.Equal(t, http.StatusNoContent, del.Code)

		w := ts.do(t, http.MethodGet, fmt.Sprintf("/invoices/%s/qr.png", victim.ID), nil, false)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestSystemEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.issue(t)

	t.Run("events", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/events?type=issuance", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var events []eventlog.SystemEvent
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &events))
		require.Len(t, events, 1)
		assert.Equal(t, "admin@academia", events[0].Actor)
	})

	t.Run("events rejects bad cursor", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/events?after_position=minus-one", nil, false)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("summary", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/events/summary", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var stats eventlog.Stats
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
		assert.Equal(t, int64(1), stats.Total)
	})

	t.Run("clock", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/clock", nil, false)
		require.Equal(t, http.StatusOK, w.Code)
		var state clockguard.State
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
		assert.True(t, state.Synchronized)
	})

	t.Run("health", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/healthz", nil, false)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
