package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/karopay/karo/core"
)

// RepositoryMock is an in-memory Repository for tests.
type RepositoryMock struct {
	mutex        sync.RWMutex
	Transactions map[string]Transaction // keyed by CheckoutRequestID
	Payments     []Payment
	Invoices     map[string]Invoice
	Settings     *MpesaSettings
	Contacts     map[string]StudentContact
	receiptSeq   int

	// error hooks
	CreateTransactionErr error
	CreatePaymentErr     error
	UpdateInvoiceErr     error
}

var _ Repository = (*RepositoryMock)(nil)

func NewRepositoryMock() *RepositoryMock {
	return &RepositoryMock{
		Transactions: make(map[string]Transaction),
		Invoices:     make(map[string]Invoice),
		Contacts:     make(map[string]StudentContact),
	}
}

func (repo *RepositoryMock) CreateTransaction(_ context.Context, tx Transaction) (Transaction, error) {
	if repo.CreateTransactionErr != nil {
		return Transaction{}, repo.CreateTransactionErr
	}
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	tx.ID = uuid.New().String()
	repo.Transactions[tx.CheckoutRequestID] = tx
	return tx, nil
}

func (repo *RepositoryMock) GetTransactionByCheckoutRequestID(_ context.Context, checkoutRequestID string) (Transaction, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()
	tx, ok := repo.Transactions[checkoutRequestID]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (repo *RepositoryMock) CompleteTransaction(_ context.Context, tx Transaction) (bool, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	stored, ok := repo.Transactions[tx.CheckoutRequestID]
	if !ok {
		return false, ErrTransactionNotFound
	}
	if stored.Status != TxStatusPending {
		return false, nil
	}
	tx.ID = stored.ID
	repo.Transactions[tx.CheckoutRequestID] = tx
	return true, nil
}

func (repo *RepositoryMock) CreatePayment(_ context.Context, pmt Payment) (Payment, error) {
	if repo.CreatePaymentErr != nil {
		return Payment{}, repo.CreatePaymentErr
	}
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	pmt.ID = uuid.New().String()
	repo.Payments = append(repo.Payments, pmt)
	return pmt, nil
}

func (repo *RepositoryMock) QueryPayments(_ context.Context, filter *QueryFilter, _ []core.DBOrdering) ([]Payment, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()
	var payments []Payment
	for _, pmt := range repo.Payments {
		if filter != nil {
			if filter.StudentID != "" && pmt.StudentID != filter.StudentID {
				continue
			}
			if filter.InvoiceID != "" && pmt.InvoiceID != filter.InvoiceID {
				continue
			}
			if filter.Method != "" && pmt.Method != filter.Method {
				continue
			}
		}
		payments = append(payments, pmt)
	}
	return payments, nil
}

func (repo *RepositoryMock) GetInvoiceByID(_ context.Context, id string) (Invoice, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()
	inv, ok := repo.Invoices[id]
	if !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	return inv, nil
}

func (repo *RepositoryMock) UpdateInvoiceBalance(_ context.Context, inv Invoice) (Invoice, error) {
	if repo.UpdateInvoiceErr != nil {
		return Invoice{}, repo.UpdateInvoiceErr
	}
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	if _, ok := repo.Invoices[inv.ID]; !ok {
		return Invoice{}, ErrInvoiceNotFound
	}
	repo.Invoices[inv.ID] = inv
	return inv, nil
}

func (repo *RepositoryMock) NextReceiptNumber(_ context.Context) (string, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	repo.receiptSeq++
	return fmt.Sprintf("RCT-TEST-%06d", repo.receiptSeq), nil
}

func (repo *RepositoryMock) GetActiveMpesaSettings(_ context.Context) (MpesaSettings, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()
	if repo.Settings == nil || !repo.Settings.IsActive {
		return MpesaSettings{}, ErrNoActiveSettings
	}
	return *repo.Settings, nil
}

func (repo *RepositoryMock) UpsertMpesaSettings(_ context.Context, settings MpesaSettings) (MpesaSettings, error) {
	repo.mutex.Lock()
	defer repo.mutex.Unlock()
	if settings.ID == "" {
		settings.ID = uuid.New().String()
	}
	repo.Settings = &settings
	return settings, nil
}

func (repo *RepositoryMock) GetStudentContact(_ context.Context, studentID string) (StudentContact, error) {
	repo.mutex.RLock()
	defer repo.mutex.RUnlock()
	return repo.Contacts[studentID], nil
}

// PusherMock records push requests and returns a canned response.
type PusherMock struct {
	Res      PushResponse
	Err      error
	Requests []PushRequest
}

var _ Pusher = (*PusherMock)(nil)

func (p *PusherMock) Push(_ context.Context, _ MpesaSettings, req PushRequest) (PushResponse, error) {
	p.Requests = append(p.Requests, req)
	if p.Err != nil {
		return PushResponse{}, p.Err
	}
	return p.Res, nil
}
