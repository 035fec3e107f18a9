// Package http exposes the invoice ledger over HTTP.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/service"
	dErrors "github.com/Maybe-Sama/eureka-connect-sub003/pkg/domain-errors"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/httputil"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/requestcontext"
)

// Ledger defines the invoice operations the transport exposes.
type Ledger interface {
	Issue(ctx context.Context, req models.IssueRequest) (*models.IssuanceRecord, error)
	Finalize(ctx context.Context, id uuid.UUID) (*models.IssuanceRecord, error)
	DeleteProvisional(ctx context.Context, id uuid.UUID) error
	Annul(ctx context.Context, id uuid.UUID, reason string) (*models.AnnulmentRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*models.IssuanceRecord, error)
	HeadHash(ctx context.Context) (string, error)
	VerifyChain(ctx context.Context) error
	Export(ctx context.Context) (*service.LedgerExport, error)
}

// QREncoder renders the verification image for a record.
type QREncoder interface {
	Encode(record *models.IssuanceRecord) ([]byte, error)
}

// LedgerHandler wires invoice endpoints to the ledger service.
type LedgerHandler struct {
	ledger Ledger
	qr     QREncoder
	logger *slog.Logger
}

func NewLedgerHandler(ledger Ledger, qr QREncoder, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, qr: qr, logger: logger}
}

// Register mounts the read-only endpoints on r.
func (h *LedgerHandler) Register(r chi.Router) {
	r.Get("/invoices/{id}", h.HandleGet)
	r.Get("/invoices/{id}/qr.png", h.HandleQR)
	r.Get("/chain/head", h.HandleHead)
	r.Get("/chain/verify", h.HandleVerify)
	r.Get("/ledger/export", h.HandleExport)
}

// RegisterProtected mounts the mutating endpoints; the router wraps them in
// authentication.
func (h *LedgerHandler) RegisterProtected(r chi.Router) {
	r.Post("/invoices", h.HandleIssue)
	r.Post("/invoices/{id}/finalize", h.HandleFinalize)
	r.Delete("/invoices/{id}", h.HandleDelete)
	r.Post("/invoices/{id}/annul", h.HandleAnnul)
}

func (h *LedgerHandler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	start := time.Now()

	req, ok := httputil.DecodeAndPrepare[models.IssueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	record, err := h.ledger.Issue(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "issuance failed",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "invoice issued",
		"request_id", requestID,
		"number", record.Number(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusCreated, record)
}

func (h *LedgerHandler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	record, err := h.ledger.Finalize(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *LedgerHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	if err := h.ledger.DeleteProvisional(ctx, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type annulRequest struct {
	Reason string `json:"reason"`
}

func (h *LedgerHandler) HandleAnnul(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[annulRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	annulment, err := h.ledger.Annul(ctx, id, req.Reason)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, annulment)
}

func (h *LedgerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	record, err := h.ledger.Get(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

func (h *LedgerHandler) HandleQR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.recordID(w, r)
	if !ok {
		return
	}

	record, err := h.ledger.Get(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if record.State == models.StateDeleted {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidState,
			"deleted records have no verification image"))
		return
	}

	png, err := h.qr.Encode(record)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (h *LedgerHandler) HandleHead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hash, err := h.ledger.HeadHash(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"head_hash": hash})
}

func (h *LedgerHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.ledger.VerifyChain(ctx); err != nil {
		if dErrors.Is(err, dErrors.CodeChainIntegrity) {
			// A broken chain is a successful verification with a grave
			// result, not a transport failure.
			httputil.WriteJSON(w, http.StatusOK, map[string]any{
				"valid":  false,
				"detail": err.Error(),
			})
			return
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (h *LedgerHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	export, err := h.ledger.Export(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, export)
}

func (h *LedgerHandler) recordID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid record id"))
		return uuid.Nil, false
	}
	return id, true
}
