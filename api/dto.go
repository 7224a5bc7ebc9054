/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Operations:
    NewBillRequest, PayBillRequest, ResultDTO

  Clients:
    ClientDTO, RegisterClientRequest, ClientOverviewDTO, StatusDTO

  Bills:
    BillDTO, BillDetailDTO, PaymentDTO

  Sweep:
    SweepReportDTO, SweepRunDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Request structs carry go-playground/validator tags. Readings and amounts
  are kept as text (Numeric) so the engine can produce its own messages
  for blank or malformed numbers.

SEE ALSO:
  - handlers.go: Uses these types
  - billing/types.go: Domain types
*/
package api

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/waterco/billing-engine/billing"
)

// =============================================================================
// NUMERIC INPUT
// =============================================================================

// Numeric accepts a JSON string or number and keeps its text form.
// null and absent both decode to "".
type Numeric string

func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Numeric(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*n = Numeric(num.String())
	return nil
}

// =============================================================================
// OPERATION REQUESTS / RESULT
// =============================================================================

// NewBillRequest creates a bill or records its second reading.
type NewBillRequest struct {
	ClientID       int64   `json:"clientId" validate:"required,gt=0"`
	MonthlyReading Numeric `json:"monthlyReading"`
	BillID         *int64  `json:"billId,omitempty" validate:"omitempty,gt=0"`
}

// PayBillRequest applies a payment to a bill.
type PayBillRequest struct {
	Amount Numeric `json:"amount"`
	BillID int64   `json:"billId" validate:"required,gt=0"`
}

// ResultDTO is the response body of every billing operation.
type ResultDTO struct {
	Status string   `json:"status"`
	Toast  []string `json:"toast"`
	BillID *int64   `json:"billId,omitempty"`
}

func toResultDTO(r billing.Result) ResultDTO {
	dto := ResultDTO{
		Status: string(r.Status),
		Toast:  append([]string{}, r.Toast...),
	}
	if r.BillID != nil {
		id := int64(*r.BillID)
		dto.BillID = &id
	}
	return dto
}

// =============================================================================
// CLIENTS
// =============================================================================

// RegisterClientRequest is the request to register a client.
type RegisterClientRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Address string `json:"address" validate:"max=300"`
	Contact string `json:"contact" validate:"max=100"`
}

// ClientDTO represents a client in API responses.
type ClientDTO struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Contact   string `json:"contact"`
	CreatedAt string `json:"created_at"`
}

// StatusDTO is one connection status ledger entry.
type StatusDTO struct {
	ID        int64  `json:"id"`
	ClientID  int64  `json:"client_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ClientOverviewDTO is a client with its current status and latest bill.
type ClientOverviewDTO struct {
	Client     ClientDTO  `json:"client"`
	Status     *StatusDTO `json:"status"`
	LatestBill *BillDTO   `json:"latest_bill"`
}

func toClientDTO(c billing.Client) ClientDTO {
	return ClientDTO{
		ID:        int64(c.ID),
		Name:      c.Name,
		Address:   c.Address,
		Contact:   c.Contact,
		CreatedAt: formatTime(c.CreatedAt),
	}
}

func toStatusDTO(s billing.StatusEntry) StatusDTO {
	return StatusDTO{
		ID:        int64(s.ID),
		ClientID:  int64(s.ClientID),
		Status:    string(s.Status),
		CreatedAt: formatTime(s.CreatedAt),
	}
}

// =============================================================================
// BILLS
// =============================================================================

// BillDTO represents a bill in API responses. Money fields are fixed
// two-decimal strings.
type BillDTO struct {
	ID                int64         `json:"id"`
	ClientID          int64         `json:"client_id"`
	BillNumber        int64         `json:"bill_number"`
	FirstReading      string        `json:"first_reading"`
	SecondReading     *string       `json:"second_reading"`
	Consumption       *string       `json:"consumption"`
	Total             billing.Money `json:"total"`
	Status            string        `json:"status"`
	AmountPaid        billing.Money `json:"amount_paid"`
	Balance           billing.Money `json:"balance"`
	Excess            billing.Money `json:"excess"`
	Penalty           billing.Money `json:"penalty"`
	DueDate           *string       `json:"due_date"`
	DisconnectionDate *string       `json:"disconnection_date"`
	PaymentDate       *string       `json:"payment_date"`
	CreatedAt         string        `json:"created_at"`
	UpdatedAt         string        `json:"updated_at"`
}

// PaymentDTO is one partial payment ledger entry.
type PaymentDTO struct {
	ID          int64         `json:"id"`
	BillID      int64         `json:"bill_id"`
	AmountPaid  billing.Money `json:"amount_paid"`
	PaymentDate string        `json:"payment_date"`
}

// BillDetailDTO is a bill with its payment history.
type BillDetailDTO struct {
	Bill          BillDTO       `json:"bill"`
	Payments      []PaymentDTO  `json:"payments"`
	TotalPayments billing.Money `json:"total_payments"`
}

func toBillDTO(b billing.ClientBill) BillDTO {
	dto := BillDTO{
		ID:                int64(b.ID),
		ClientID:          int64(b.ClientID),
		BillNumber:        b.BillNumber,
		FirstReading:      b.FirstReading.String(),
		Total:             b.Total,
		Status:            string(b.Status),
		AmountPaid:        b.AmountPaid,
		Balance:           b.Balance,
		Excess:            b.Excess,
		Penalty:           b.Penalty,
		DueDate:           formatTimePtr(b.DueDate),
		DisconnectionDate: formatTimePtr(b.DisconnectionDate),
		PaymentDate:       formatTimePtr(b.PaymentDate),
		CreatedAt:         formatTime(b.CreatedAt),
		UpdatedAt:         formatTime(b.UpdatedAt),
	}
	if b.SecondReading.Valid {
		s := b.SecondReading.Decimal.String()
		dto.SecondReading = &s
	}
	if b.Consumption.Valid {
		s := b.Consumption.Decimal.String()
		dto.Consumption = &s
	}
	return dto
}

func toBillDetailDTO(d billing.BillDetail) BillDetailDTO {
	payments := make([]PaymentDTO, len(d.Payments))
	for i, p := range d.Payments {
		payments[i] = PaymentDTO{
			ID:          int64(p.ID),
			BillID:      int64(p.ClientBillID),
			AmountPaid:  p.AmountPaid,
			PaymentDate: formatTime(p.PaymentDate),
		}
	}
	return BillDetailDTO{
		Bill:          toBillDTO(d.Bill),
		Payments:      payments,
		TotalPayments: d.TotalPayments,
	}
}

// =============================================================================
// SWEEP
// =============================================================================

// SweepReportDTO summarizes a manual sweep.
type SweepReportDTO struct {
	RunID            string `json:"run_id"`
	StartedAt        string `json:"started_at"`
	BillsChecked     int    `json:"bills_checked"`
	MarkedDue        int    `json:"marked_due"`
	Disconnected     int    `json:"disconnected"`
	PenaltiesApplied int    `json:"penalties_applied"`
	Failed           int    `json:"failed"`
}

// SweepRunDTO is a recorded sweep run.
type SweepRunDTO struct {
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	StartedAt        string  `json:"started_at"`
	CompletedAt      *string `json:"completed_at"`
	BillsChecked     int     `json:"bills_checked"`
	MarkedDue        int     `json:"marked_due"`
	Disconnected     int     `json:"disconnected"`
	PenaltiesApplied int     `json:"penalties_applied"`
	Error            string  `json:"error,omitempty"`
}

func toSweepReportDTO(r billing.SweepReport) SweepReportDTO {
	return SweepReportDTO{
		RunID:            r.RunID,
		StartedAt:        formatTime(r.StartedAt),
		BillsChecked:     r.BillsChecked,
		MarkedDue:        r.MarkedDue,
		Disconnected:     r.Disconnected,
		PenaltiesApplied: r.PenaltiesApplied,
		Failed:           r.Failed,
	}
}

func toSweepRunDTO(r billing.SweepRun) SweepRunDTO {
	return SweepRunDTO{
		ID:               r.ID,
		Status:           r.Status,
		StartedAt:        formatTime(r.StartedAt),
		CompletedAt:      formatTimePtr(r.CompletedAt),
		BillsChecked:     r.BillsChecked,
		MarkedDue:        r.MarkedDue,
		Disconnected:     r.Disconnected,
		PenaltiesApplied: r.PenaltiesApplied,
		Error:            r.Error,
	}
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects a scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is returned by read endpoints on failure.
type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
