/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic
	billing data for demos. Each scenario registers clients and drives bills
	through the engine, so every bill, payment and status entry is produced
	by the same code paths the API uses.

AVAILABLE SCENARIOS:

	paid-in-installments:  100.00 bill settled by 60.00 then 40.00
	overpayment-carryover: 70.00 paid on a 50.00 bill, next bill open
	due-for-disconnection: underpaid bill, client DueForDisconnection
	disconnected:          client cut off, new bills are refused
	cooperative:           all of the above at once

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Register clients
 3. Create bills and record second readings
 4. Apply payments
 5. Optionally append connection status entries the sweep would produce

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overpayment-carryover"}

NOTE:

	Scenarios reset the store. The routes are only mounted when the server
	runs in demo mode.

SEE ALSO:
  - handlers.go: Handler
  - billing/engine.go: Operations used by the loaders
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/waterco/billing-engine/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "paid-in-installments",
		Name:        "Paid in Installments",
		Description: "A 100.00 bill settled by a 60.00 and a 40.00 payment",
	},
	{
		ID:          "overpayment-carryover",
		Name:        "Overpayment Carryover",
		Description: "70.00 paid on a 50.00 bill; the 20.00 excess is deducted from the next bill",
	},
	{
		ID:          "due-for-disconnection",
		Name:        "Due for Disconnection",
		Description: "Underpaid bill past its due date; settling it reconnects the client",
	},
	{
		ID:          "disconnected",
		Name:        "Disconnected",
		Description: "Client past the disconnection date; new readings are refused",
	},
	{
		ID:          "cooperative",
		Name:        "Cooperative",
		Description: "All scenarios loaded together",
	},
}

var scenarioLoaders = map[string]func(h *Handler, ctx context.Context) error{
	"paid-in-installments":  (*Handler).loadPaidInInstallments,
	"overpayment-carryover": (*Handler).loadOverpaymentCarryover,
	"due-for-disconnection": (*Handler).loadDueForDisconnection,
	"disconnected":          (*Handler).loadDisconnected,
	"cooperative":           (*Handler).loadCooperative,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, bodyErrorStatus(err), bodyErrorMessage(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		switch {
		case errors.Is(err, errUnknownScenario):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, errResetUnsupported):
			writeError(w, http.StatusNotImplemented, err.Error())
		default:
			h.logger.Error("load scenario", zap.String("scenario", req.ScenarioID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to load scenario")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.reset(r.Context()); err != nil {
		if errors.Is(err, errResetUnsupported) {
			writeError(w, http.StatusNotImplemented, err.Error())
			return
		}
		h.logger.Error("reset store", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to reset database")
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

var (
	errUnknownScenario  = errors.New("unknown scenario")
	errResetUnsupported = errors.New("store does not support reset")
)

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	load, ok := scenarioLoaders[id]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownScenario, id)
	}
	if err := h.reset(ctx); err != nil {
		return err
	}
	if err := load(h, ctx); err != nil {
		return err
	}

	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
	h.logger.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(Resetter)
	if !ok {
		return errResetUnsupported
	}
	return rs.Reset(ctx)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadPaidInInstallments(ctx context.Context) error {
	c, err := h.register(ctx, "Ana Reyes", "12 Riverside Rd", "0917 555 0101")
	if err != nil {
		return err
	}
	billID, err := h.billCycle(ctx, c.ID, "0", "20")
	if err != nil {
		return err
	}
	if err := h.pay(ctx, billID, "60"); err != nil {
		return err
	}
	if err := h.pay(ctx, billID, "40"); err != nil {
		return err
	}
	// next cycle starts where the last one ended
	_, err = h.newBill(ctx, c.ID, "20", nil)
	return err
}

func (h *Handler) loadOverpaymentCarryover(ctx context.Context) error {
	c, err := h.register(ctx, "Ben Santos", "4 Hillside Ave", "0917 555 0102")
	if err != nil {
		return err
	}
	billID, err := h.billCycle(ctx, c.ID, "0", "10")
	if err != nil {
		return err
	}
	if err := h.pay(ctx, billID, "70"); err != nil {
		return err
	}
	_, err = h.newBill(ctx, c.ID, "10", nil)
	return err
}

func (h *Handler) loadDueForDisconnection(ctx context.Context) error {
	c, err := h.register(ctx, "Carla Mendoza", "88 Well St", "0917 555 0103")
	if err != nil {
		return err
	}
	billID, err := h.billCycle(ctx, c.ID, "0", "30")
	if err != nil {
		return err
	}
	if err := h.pay(ctx, billID, "50"); err != nil {
		return err
	}
	return h.markStatus(ctx, c.ID, billing.StatusDueForDisconnection)
}

func (h *Handler) loadDisconnected(ctx context.Context) error {
	c, err := h.register(ctx, "Dan Cruz", "2 Spring Ln", "0917 555 0104")
	if err != nil {
		return err
	}
	if _, err := h.billCycle(ctx, c.ID, "0", "8"); err != nil {
		return err
	}
	if err := h.markStatus(ctx, c.ID, billing.StatusDueForDisconnection); err != nil {
		return err
	}
	return h.markStatus(ctx, c.ID, billing.StatusDisconnected)
}

func (h *Handler) loadCooperative(ctx context.Context) error {
	for _, load := range []func(*Handler, context.Context) error{
		(*Handler).loadPaidInInstallments,
		(*Handler).loadOverpaymentCarryover,
		(*Handler).loadDueForDisconnection,
		(*Handler).loadDisconnected,
	} {
		if err := load(h, ctx); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// LOADER HELPERS
// =============================================================================

func (h *Handler) register(ctx context.Context, name, address, contact string) (billing.Client, error) {
	return h.Engine.RegisterClient(ctx, billing.NewClient{Name: name, Address: address, Contact: contact})
}

// billCycle creates a bill at first and records second as its reading.
func (h *Handler) billCycle(ctx context.Context, clientID billing.ClientID, first, second string) (billing.BillID, error) {
	id, err := h.newBill(ctx, clientID, first, nil)
	if err != nil {
		return 0, err
	}
	if _, err := h.newBill(ctx, clientID, second, &id); err != nil {
		return 0, err
	}
	return id, nil
}

func (h *Handler) newBill(ctx context.Context, clientID billing.ClientID, reading string, billID *billing.BillID) (billing.BillID, error) {
	res := h.Engine.CreateOrAdvanceBill(ctx, clientID, reading, billID)
	if !res.OK() {
		return 0, fmt.Errorf("new bill for client %d: %s", clientID, res.Message())
	}
	if res.BillID != nil {
		return *res.BillID, nil
	}
	if billID != nil {
		return *billID, nil
	}
	return 0, fmt.Errorf("new bill for client %d: no bill id in result", clientID)
}

func (h *Handler) pay(ctx context.Context, billID billing.BillID, amount string) error {
	res := h.Engine.ApplyPayment(ctx, billID, amount)
	if !res.OK() {
		return fmt.Errorf("pay bill %d: %s", billID, res.Message())
	}
	return nil
}

// markStatus appends the status entry a sweep would have produced.
// It is dated no earlier than the client's latest entry; equal timestamps
// resolve to the later insert.
func (h *Handler) markStatus(ctx context.Context, clientID billing.ClientID, status billing.ConnectionStatus) error {
	return h.Store.WithTx(ctx, func(r billing.Repos) error {
		latest, err := r.LatestStatus(ctx, clientID)
		if err != nil {
			return err
		}
		at := h.Engine.Clock().Now()
		if latest != nil && latest.CreatedAt.After(at) {
			at = latest.CreatedAt
		}
		_, err = r.AppendStatus(ctx, clientID, status, at)
		return err
	})
}
