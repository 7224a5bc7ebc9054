// Package store provides an in-memory billing store for tests and demos.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/waterco/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.TxStore and billing.SweepRunStore.
// Transactions are simulated with a snapshot + rollback on error.
type Memory struct {
	mu   sync.RWMutex
	data *memoryData
}

type memoryData struct {
	clients  map[billing.ClientID]billing.Client
	bills    map[billing.BillID]billing.ClientBill
	payments []billing.PartialPayment
	statuses []billing.StatusEntry
	runs     map[string]billing.SweepRun

	nextClientID   int64
	nextBillID     int64
	nextBillNumber int64
	nextPaymentID  int64
	nextStatusID   int64
}

func NewMemory() *Memory {
	return &Memory{data: &memoryData{
		clients: make(map[billing.ClientID]billing.Client),
		bills:   make(map[billing.BillID]billing.ClientBill),
		runs:    make(map[string]billing.SweepRun),
	}}
}

var (
	_ billing.TxStore       = (*Memory)(nil)
	_ billing.SweepRunStore = (*Memory)(nil)
)

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn while holding the store lock. Writes go straight to the
// live maps; on error the snapshot taken before fn is restored.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Repos) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(m.data); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// Reset drops all data and restarts identifiers from 1.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = NewMemory().data
	return nil
}

func (d *memoryData) clone() *memoryData {
	out := *d
	out.clients = make(map[billing.ClientID]billing.Client, len(d.clients))
	for k, v := range d.clients {
		out.clients[k] = v
	}
	out.bills = make(map[billing.BillID]billing.ClientBill, len(d.bills))
	for k, v := range d.bills {
		out.bills[k] = v
	}
	out.runs = make(map[string]billing.SweepRun, len(d.runs))
	for k, v := range d.runs {
		out.runs[k] = v
	}
	out.payments = append([]billing.PartialPayment(nil), d.payments...)
	out.statuses = append([]billing.StatusEntry(nil), d.statuses...)
	return &out
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) CreateClient(ctx context.Context, c billing.NewClient, at time.Time) (billing.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateClient(ctx, c, at)
}

func (m *Memory) GetClient(ctx context.Context, id billing.ClientID) (billing.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.GetClient(ctx, id)
}

func (m *Memory) ListClients(ctx context.Context) ([]billing.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListClients(ctx)
}

func (m *Memory) LatestBillForClient(ctx context.Context, clientID billing.ClientID) (*billing.ClientBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LatestBillForClient(ctx, clientID)
}

func (m *Memory) FindBill(ctx context.Context, id billing.BillID) (billing.ClientBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindBill(ctx, id)
}

func (m *Memory) FindBillWithPayments(ctx context.Context, id billing.BillID) (billing.ClientBill, []billing.PartialPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.FindBillWithPayments(ctx, id)
}

func (m *Memory) PreviousBill(ctx context.Context, clientID billing.ClientID, before billing.BillID) (*billing.ClientBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.PreviousBill(ctx, clientID, before)
}

func (m *Memory) CreateBill(ctx context.Context, nb billing.NewBill) (billing.ClientBill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.CreateBill(ctx, nb)
}

func (m *Memory) SaveBill(ctx context.Context, b billing.ClientBill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.SaveBill(ctx, b)
}

func (m *Memory) ListBillsForClient(ctx context.Context, clientID billing.ClientID) ([]billing.ClientBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListBillsForClient(ctx, clientID)
}

func (m *Memory) ListOpenBills(ctx context.Context) ([]billing.ClientBill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.ListOpenBills(ctx)
}

func (m *Memory) SumPayments(ctx context.Context, billID billing.BillID) (billing.Money, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.SumPayments(ctx, billID)
}

func (m *Memory) AppendPayment(ctx context.Context, p billing.PartialPayment) (billing.PartialPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.AppendPayment(ctx, p)
}

func (m *Memory) PaymentsForBill(ctx context.Context, billID billing.BillID) ([]billing.PartialPayment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.PaymentsForBill(ctx, billID)
}

func (m *Memory) LatestStatus(ctx context.Context, clientID billing.ClientID) (*billing.StatusEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.LatestStatus(ctx, clientID)
}

func (m *Memory) AppendStatus(ctx context.Context, clientID billing.ClientID, status billing.ConnectionStatus, at time.Time) (billing.StatusEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.AppendStatus(ctx, clientID, status, at)
}

func (m *Memory) StatusHistory(ctx context.Context, clientID billing.ClientID) ([]billing.StatusEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.StatusHistory(ctx, clientID)
}

func (m *Memory) SaveSweepRun(_ context.Context, run billing.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.runs[run.ID] = run
	return nil
}

func (m *Memory) ListSweepRuns(_ context.Context, limit int) ([]billing.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]billing.SweepRun, 0, len(m.data.runs))
	for _, r := range m.data.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// =============================================================================
// UNLOCKED REPOS - Used directly inside WithTx
// =============================================================================

func (d *memoryData) CreateClient(_ context.Context, c billing.NewClient, at time.Time) (billing.Client, error) {
	d.nextClientID++
	client := billing.Client{
		ID:        billing.ClientID(d.nextClientID),
		Name:      c.Name,
		Address:   c.Address,
		Contact:   c.Contact,
		CreatedAt: at,
	}
	d.clients[client.ID] = client
	return client, nil
}

func (d *memoryData) GetClient(_ context.Context, id billing.ClientID) (billing.Client, error) {
	c, ok := d.clients[id]
	if !ok {
		return billing.Client{}, billing.ErrClientNotFound
	}
	return c, nil
}

func (d *memoryData) ListClients(_ context.Context) ([]billing.Client, error) {
	out := make([]billing.Client, 0, len(d.clients))
	for _, c := range d.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memoryData) LatestBillForClient(_ context.Context, clientID billing.ClientID) (*billing.ClientBill, error) {
	var latest *billing.ClientBill
	for _, b := range d.bills {
		if b.ClientID != clientID {
			continue
		}
		if latest == nil || b.ID > latest.ID {
			b := b
			latest = &b
		}
	}
	return latest, nil
}

func (d *memoryData) FindBill(_ context.Context, id billing.BillID) (billing.ClientBill, error) {
	b, ok := d.bills[id]
	if !ok {
		return billing.ClientBill{}, billing.ErrBillNotFound
	}
	return b, nil
}

func (d *memoryData) FindBillWithPayments(ctx context.Context, id billing.BillID) (billing.ClientBill, []billing.PartialPayment, error) {
	b, err := d.FindBill(ctx, id)
	if err != nil {
		return billing.ClientBill{}, nil, err
	}
	payments, _ := d.PaymentsForBill(ctx, id)
	return b, payments, nil
}

func (d *memoryData) PreviousBill(_ context.Context, clientID billing.ClientID, before billing.BillID) (*billing.ClientBill, error) {
	var prev *billing.ClientBill
	for _, b := range d.bills {
		if b.ClientID != clientID || b.ID >= before {
			continue
		}
		if prev == nil || b.ID > prev.ID {
			b := b
			prev = &b
		}
	}
	return prev, nil
}

func (d *memoryData) CreateBill(_ context.Context, nb billing.NewBill) (billing.ClientBill, error) {
	if _, ok := d.clients[nb.ClientID]; !ok {
		return billing.ClientBill{}, billing.ErrClientNotFound
	}
	d.nextBillID++
	d.nextBillNumber++
	b := billing.ClientBill{
		ID:           billing.BillID(d.nextBillID),
		ClientID:     nb.ClientID,
		BillNumber:   d.nextBillNumber,
		FirstReading: nb.FirstReading,
		Total:        billing.ZeroMoney(),
		AmountPaid:   billing.ZeroMoney(),
		Balance:      billing.ZeroMoney(),
		Excess:       billing.ZeroMoney(),
		Penalty:      billing.ZeroMoney(),
		Status:       billing.BillUnpaid,
		CreatedAt:    nb.CreatedAt,
		UpdatedAt:    nb.CreatedAt,
	}
	d.bills[b.ID] = b
	return b, nil
}

func (d *memoryData) SaveBill(_ context.Context, b billing.ClientBill) error {
	if _, ok := d.bills[b.ID]; !ok {
		return billing.ErrBillNotFound
	}
	d.bills[b.ID] = b
	return nil
}

func (d *memoryData) ListBillsForClient(_ context.Context, clientID billing.ClientID) ([]billing.ClientBill, error) {
	var out []billing.ClientBill
	for _, b := range d.bills {
		if b.ClientID == clientID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memoryData) ListOpenBills(_ context.Context) ([]billing.ClientBill, error) {
	var out []billing.ClientBill
	for _, b := range d.bills {
		if b.IsOpen() && b.HasSecondReading() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memoryData) SumPayments(ctx context.Context, billID billing.BillID) (billing.Money, error) {
	payments, _ := d.PaymentsForBill(ctx, billID)
	return billing.SumOf(payments), nil
}

func (d *memoryData) AppendPayment(_ context.Context, p billing.PartialPayment) (billing.PartialPayment, error) {
	if _, ok := d.bills[p.ClientBillID]; !ok {
		return billing.PartialPayment{}, billing.ErrBillNotFound
	}
	d.nextPaymentID++
	p.ID = billing.PaymentID(d.nextPaymentID)
	d.payments = append(d.payments, p)
	return p, nil
}

func (d *memoryData) PaymentsForBill(_ context.Context, billID billing.BillID) ([]billing.PartialPayment, error) {
	var out []billing.PartialPayment
	for _, p := range d.payments {
		if p.ClientBillID == billID {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PaymentDate.Before(out[j].PaymentDate) })
	return out, nil
}

func (d *memoryData) LatestStatus(_ context.Context, clientID billing.ClientID) (*billing.StatusEntry, error) {
	var latest *billing.StatusEntry
	for i := range d.statuses {
		s := d.statuses[i]
		if s.ClientID != clientID {
			continue
		}
		// ties on CreatedAt go to the later insert
		if latest == nil || !s.CreatedAt.Before(latest.CreatedAt) {
			latest = &s
		}
	}
	return latest, nil
}

func (d *memoryData) AppendStatus(_ context.Context, clientID billing.ClientID, status billing.ConnectionStatus, at time.Time) (billing.StatusEntry, error) {
	if _, ok := d.clients[clientID]; !ok {
		return billing.StatusEntry{}, billing.ErrClientNotFound
	}
	d.nextStatusID++
	e := billing.StatusEntry{
		ID:        billing.StatusEntryID(d.nextStatusID),
		ClientID:  clientID,
		Status:    status,
		CreatedAt: at,
		UpdatedAt: at,
	}
	d.statuses = append(d.statuses, e)
	return e, nil
}

func (d *memoryData) StatusHistory(_ context.Context, clientID billing.ClientID) ([]billing.StatusEntry, error) {
	var out []billing.StatusEntry
	for _, s := range d.statuses {
		if s.ClientID == clientID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
