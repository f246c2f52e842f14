// Package verifyapi exposes passive authentication over HTTP so that files
// read elsewhere, for example by a phone, can be checked against the
// server's trust anchors.
package verifyapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jlutukai/passport-nfc-reader/internal/metrics"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd"
	"github.com/jlutukai/passport-nfc-reader/pkg/mrtd/lds"
)

// maxBodyBytes bounds a request. DG2 faces are rarely above 100 KiB.
const maxBodyBytes = 4 << 20

// VerifyRequest carries raw file contents, base64 encoded in JSON.
type VerifyRequest struct {
	DG1               []byte `json:"dg1"`
	DG2               []byte `json:"dg2,omitempty"`
	DG14              []byte `json:"dg14,omitempty"`
	SOD               []byte `json:"sod"`
	ChipAuthSucceeded bool   `json:"chip_auth_succeeded"`
}

type VerifyResponse struct {
	RequestID   string                 `json:"request_id"`
	PassiveAuth mrtd.PassiveAuthReport `json:"passive_auth"`
	Record      *mrtd.PassportRecord   `json:"record,omitempty"`
}

type errorResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
}

// Handler serves POST /verify.
type Handler struct {
	anchors mrtd.AnchorSource
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(anchors mrtd.AnchorSource, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{anchors: anchors, logger: logger, metrics: m, now: time.Now}
}

// Register mounts the verification endpoint on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/verify", h.HandleVerify)
}

// NewRouter returns a router with request IDs and panic recovery in front
// of the handler.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(echoRequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	start := time.Now()

	var req VerifyRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, reqID, "invalid request body: "+err.Error())
		return
	}
	if len(req.DG1) == 0 || len(req.SOD) == 0 {
		writeError(w, http.StatusBadRequest, reqID, "dg1 and sod are required")
		return
	}

	dg1, err := lds.ParseDG1(req.DG1)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, reqID, "dg1: "+err.Error())
		return
	}
	in := mrtd.RecordInput{DG1: dg1, ChipAuthSucceeded: req.ChipAuthSucceeded}
	if len(req.DG2) > 0 {
		if dg2, err := lds.ParseDG2(req.DG2); err == nil {
			in.DG2 = dg2
		} else {
			h.logger.WarnContext(ctx, "dg2 not decodable", "request_id", reqID, "error", err)
		}
	}

	var anchors *mrtd.TrustAnchors
	if h.anchors != nil {
		anchors, err = h.anchors()
		if err != nil {
			h.logger.ErrorContext(ctx, "trust anchors unavailable", "request_id", reqID, "error", err)
			writeError(w, http.StatusServiceUnavailable, reqID, "trust anchors unavailable")
			return
		}
	}

	report := mrtd.PassiveAuthenticate(req.SOD, req.DG1, req.DG2, req.DG14, req.ChipAuthSucceeded, anchors, h.now())
	in.PassiveAuthSuccess = report.Success
	h.metrics.ObserveVerify(report.Success)

	h.logger.InfoContext(ctx, "passive authentication checked",
		"request_id", reqID,
		"success", report.Success,
		"failure", report.Failure,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	writeJSON(w, http.StatusOK, VerifyResponse{
		RequestID:   reqID,
		PassiveAuth: report,
		Record:      mrtd.AssembleRecord(in),
	})
}

// echoRequestID returns the request id on the response.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(middleware.RequestIDHeader, middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reqID, msg string) {
	writeJSON(w, status, errorResponse{RequestID: reqID, Error: msg})
}
