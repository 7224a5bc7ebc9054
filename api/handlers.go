/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, request validation, and delegates to billing.Engine.

ENDPOINTS:
  Billing operations:
    POST   /api/new-bill               Create a bill or record its second reading
    POST   /api/pay-bill               Apply a payment to a bill

  Clients:
    GET    /api/clients                List all clients
    POST   /api/clients                Register client (initially Connected)
    GET    /api/clients/{id}           Client with status and latest bill
    GET    /api/clients/{id}/bills     Bills, oldest first
    GET    /api/clients/{id}/status    Connection status history

  Bills:
    GET    /api/bills/{id}             Bill with payment history

  Admin:
    POST   /api/admin/sweep            Run the overdue sweep now
    GET    /api/admin/sweeps           Recent sweep runs

RESPONSE SHAPES:
  new-bill and pay-bill always answer with {status, toast, billId?}, both on
  success and on failure. Read endpoints answer with DTOs, or with
  {"error": "..."} on failure.

ERROR HANDLING:
  Failure kinds map to HTTP status:
  - 400: invalid_input
  - 404: not_found
  - 409: connection_not_eligible, rejected
  - 500: invalid_payment_amount, persistence_error

SECURITY NOTE:
  No authentication. The server is meant to run inside the cooperative's
  office network.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/waterco/billing-engine/billing"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 64 << 10

const (
	msgInvalidBody  = "Invalid request body"
	msgBodyTooLarge = "Request body too large"
)

// Resetter is implemented by stores that can drop all their data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *billing.Engine
	Store  billing.TxStore

	logger   *zap.Logger
	validate *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. store is the same store the engine uses;
// it backs health checks and demo scenarios.
func NewHandler(engine *billing.Engine, store billing.TxStore, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:   engine,
		Store:    store,
		logger:   logger,
		validate: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// BILLING OPERATIONS
// =============================================================================

// NewBill creates a bill or records the second reading of the current one.
func (h *Handler) NewBill(w http.ResponseWriter, r *http.Request) {
	var req NewBillRequest
	if !h.decodeOperation(w, r, &req) {
		return
	}

	var existing *billing.BillID
	if req.BillID != nil {
		id := billing.BillID(*req.BillID)
		existing = &id
	}

	res := h.Engine.CreateOrAdvanceBill(r.Context(), billing.ClientID(req.ClientID), string(req.MonthlyReading), existing)
	writeResult(w, res)
}

// PayBill applies a payment to a bill.
func (h *Handler) PayBill(w http.ResponseWriter, r *http.Request) {
	var req PayBillRequest
	if !h.decodeOperation(w, r, &req) {
		return
	}

	res := h.Engine.ApplyPayment(r.Context(), billing.BillID(req.BillID), string(req.Amount))
	// pay-bill answers with status and toast only
	res.BillID = nil
	writeResult(w, res)
}

// decodeOperation parses and validates an operation body. On failure it
// writes a failed Result and returns false.
func (h *Handler) decodeOperation(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(w, r, dst); err != nil {
		res := billing.Failed(billing.KindInvalidInput, bodyErrorMessage(err))
		writeJSON(w, bodyErrorStatus(err), toResultDTO(res))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeResult(w, billing.Failed(billing.KindInvalidInput, validationMessage(err)))
		return false
	}
	return true
}

// =============================================================================
// CLIENT HANDLERS
// =============================================================================

// ListClients returns all clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.Engine.Clients(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to list clients", err)
		return
	}

	dtos := make([]ClientDTO, len(clients))
	for i, c := range clients {
		dtos[i] = toClientDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterClient creates a client with an initial Connected status.
func (h *Handler) RegisterClient(w http.ResponseWriter, r *http.Request) {
	var req RegisterClientRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, bodyErrorStatus(err), bodyErrorMessage(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	client, err := h.Engine.RegisterClient(r.Context(), billing.NewClient{
		Name:    req.Name,
		Address: req.Address,
		Contact: req.Contact,
	})
	if err != nil {
		h.writeEngineError(w, "Failed to register client", err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(client))
}

// GetClient returns a client with its current status and latest bill.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	overview, err := h.Engine.Client(r.Context(), billing.ClientID(id))
	if err != nil {
		h.writeEngineError(w, "Failed to load client", err)
		return
	}

	dto := ClientOverviewDTO{Client: toClientDTO(overview.Client)}
	if overview.Status != nil {
		s := toStatusDTO(*overview.Status)
		dto.Status = &s
	}
	if overview.LatestBill != nil {
		b := toBillDTO(*overview.LatestBill)
		dto.LatestBill = &b
	}
	writeJSON(w, http.StatusOK, dto)
}

// GetClientBills returns a client's bills, oldest first.
func (h *Handler) GetClientBills(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	bills, err := h.Engine.BillsForClient(r.Context(), billing.ClientID(id))
	if err != nil {
		h.writeEngineError(w, "Failed to load bills", err)
		return
	}

	dtos := make([]BillDTO, len(bills))
	for i, b := range bills {
		dtos[i] = toBillDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetClientStatus returns the connection status history, oldest first.
func (h *Handler) GetClientStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	history, err := h.Engine.ConnectionHistory(r.Context(), billing.ClientID(id))
	if err != nil {
		h.writeEngineError(w, "Failed to load connection status", err)
		return
	}

	dtos := make([]StatusDTO, len(history))
	for i, s := range history {
		dtos[i] = toStatusDTO(s)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BILL HANDLERS
// =============================================================================

// GetBill returns a bill with its payment history.
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	detail, err := h.Engine.BillDetail(r.Context(), billing.BillID(id))
	if err != nil {
		h.writeEngineError(w, "Failed to load bill", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillDetailDTO(detail))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs the overdue sweep immediately.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Engine.SweepOverdue(r.Context())
	if err != nil {
		h.writeEngineError(w, "Failed to run sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepReportDTO(report))
}

// ListSweepRuns returns recent sweep runs. ?limit= defaults to 20.
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.Engine.SweepHistory(r.Context(), limit)
	if errors.Is(err, billing.ErrStoreRequired) {
		writeError(w, http.StatusNotImplemented, "Sweep history is not available for this store")
		return
	}
	if err != nil {
		h.writeEngineError(w, "Failed to list sweep runs", err)
		return
	}

	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports whether the store is reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps a failure kind to its HTTP status.
func statusFor(kind billing.Kind) int {
	switch kind {
	case billing.KindNone:
		return http.StatusOK
	case billing.KindInvalidInput:
		return http.StatusBadRequest
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindConnectionNotEligible, billing.KindRejected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeResult(w http.ResponseWriter, res billing.Result) {
	status := http.StatusOK
	if !res.OK() {
		status = statusFor(res.Kind)
	}
	writeJSON(w, status, toResultDTO(res))
}

// writeEngineError writes a read-endpoint error. Client-facing messages are
// passed through; anything else is logged and replaced by fallback.
func (h *Handler) writeEngineError(w http.ResponseWriter, fallback string, err error) {
	kind := billing.KindOf(err)
	var be *billing.Error
	if errors.As(err, &be) && kind.IsClientFacing() {
		writeError(w, statusFor(kind), be.Message)
		return
	}
	h.logger.Error(fallback, zap.Error(err))
	writeError(w, statusFor(kind), fallback)
}

// decodeBody reads at most maxBodyBytes of JSON into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
}

func bodyErrorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func bodyErrorMessage(err error) string {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return msgBodyTooLarge
	}
	return msgInvalidBody
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return 0, false
	}
	return id, true
}

// validationMessage turns validator errors into one readable sentence per field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(msgs, "; ")
}
