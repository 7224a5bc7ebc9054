package billing

import (
	"context"
	"fmt"
)

// =============================================================================
// READ HELPERS - Used by the HTTP layer
// =============================================================================

// ClientOverview is a client with its current connection status and latest bill.
type ClientOverview struct {
	Client     Client
	Status     *StatusEntry
	LatestBill *ClientBill
}

func (e *Engine) Clients(ctx context.Context) ([]Client, error) {
	return e.store.ListClients(ctx)
}

func (e *Engine) Client(ctx context.Context, id ClientID) (ClientOverview, error) {
	c, err := e.store.GetClient(ctx, id)
	if err != nil {
		return ClientOverview{}, notFoundOr(err, msgClientNotFound)
	}
	status, err := e.store.LatestStatus(ctx, id)
	if err != nil {
		return ClientOverview{}, fmt.Errorf("load status: %w", err)
	}
	latest, err := e.store.LatestBillForClient(ctx, id)
	if err != nil {
		return ClientOverview{}, fmt.Errorf("load latest bill: %w", err)
	}
	return ClientOverview{Client: c, Status: status, LatestBill: latest}, nil
}

func (e *Engine) BillsForClient(ctx context.Context, id ClientID) ([]ClientBill, error) {
	if _, err := e.store.GetClient(ctx, id); err != nil {
		return nil, notFoundOr(err, msgClientNotFound)
	}
	return e.store.ListBillsForClient(ctx, id)
}

// BillDetail loads a bill with its payments and their sum.
func (e *Engine) BillDetail(ctx context.Context, id BillID) (BillDetail, error) {
	bill, payments, err := e.store.FindBillWithPayments(ctx, id)
	if err != nil {
		return BillDetail{}, notFoundOr(err, msgBillNotFound)
	}
	return BillDetail{Bill: bill, Payments: payments, TotalPayments: SumOf(payments)}, nil
}

func (e *Engine) ConnectionHistory(ctx context.Context, id ClientID) ([]StatusEntry, error) {
	if _, err := e.store.GetClient(ctx, id); err != nil {
		return nil, notFoundOr(err, msgClientNotFound)
	}
	return e.store.StatusHistory(ctx, id)
}
