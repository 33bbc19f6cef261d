package credits

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

func TestBalanceCreatesLedgerWithStartingGrant(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)
	userID := mustUserID(t, "fresh-user")

	ledgerRecord, err := service.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if ledgerRecord.Balance != defaultStartingGrant.Int64() {
		t.Fatalf("expected starting balance %d, got %d", defaultStartingGrant, ledgerRecord.Balance)
	}
	if ledgerRecord.LastRenewalEpoch != EpochForTime(fixedNow()) {
		t.Fatalf("expected renewal epoch stamped at creation, got %d", ledgerRecord.LastRenewalEpoch)
	}
}

func TestBalanceIsStableAcrossCalls(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	service := mustNewService(t, store)
	userID := mustUserID(t, "repeat-user")

	first, err := service.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("first balance: %v", err)
	}
	second, err := service.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("second balance: %v", err)
	}
	if first.Balance != second.Balance {
		t.Fatalf("starting grant applied twice: %d then %d", first.Balance, second.Balance)
	}
}

func TestDebitDecrementsBalance(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.seedLedger("debit-user", 40, 202609)
	service := mustNewService(t, store)
	actor := Actor{UserID: mustUserID(t, "debit-user")}

	balance, err := service.Debit(context.Background(), actor, mustAmount(t, 15))
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if balance != 25 {
		t.Fatalf("expected balance 25, got %d", balance)
	}
}

func TestDebitInsufficientFundsLeavesBalanceUntouched(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.seedLedger("poor-user", 3, 202609)
	service := mustNewService(t, store)
	actor := Actor{UserID: mustUserID(t, "poor-user")}

	_, err := service.Debit(context.Background(), actor, mustAmount(t, 10))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := store.balance("poor-user"); got != 3 {
		t.Fatalf("balance mutated on failed debit: %d", got)
	}
}

func TestDebitPrivilegedActorBypassesCharge(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.seedLedger("admin-user", 2, 202609)
	service := mustNewService(t, store)
	actor := Actor{UserID: mustUserID(t, "admin-user"), Privileged: true}

	balance, err := service.Debit(context.Background(), actor, mustAmount(t, 100))
	if err != nil {
		t.Fatalf("privileged debit: %v", err)
	}
	if balance != 2 {
		t.Fatalf("expected untouched balance 2, got %d", balance)
	}
	if got := store.balance("admin-user"); got != 2 {
		t.Fatalf("privileged debit mutated balance: %d", got)
	}
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.seedLedger("contended-user", 1, 202609)
	service := mustNewService(t, store)
	actor := Actor{UserID: mustUserID(t, "contended-user")}

	const attempts = 16
	amount := mustAmount(t, 1)
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Debit(context.Background(), actor, amount)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one winning debit, got %d", succeeded)
	}
	if got := store.balance("contended-user"); got != 0 {
		t.Fatalf("expected drained balance, got %d", got)
	}
}

func TestCreditIncrementsBalance(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.seedLedger("credit-user", 10, 202609)
	service := mustNewService(t, store)

	balance, err := service.Credit(context.Background(), mustUserID(t, "credit-user"), mustAmount(t, 30))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance != 40 {
		t.Fatalf("expected balance 40, got %d", balance)
	}
}

func TestDebitThenCreditRestoresBalance(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.seedLedger("refund-user", 20, 202609)
	service := mustNewService(t, store)
	userID := mustUserID(t, "refund-user")
	amount := mustAmount(t, 7)

	if _, err := service.Debit(context.Background(), Actor{UserID: userID}, amount); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, err := service.Credit(context.Background(), userID, amount)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance != 20 {
		t.Fatalf("expected restored balance 20, got %d", balance)
	}
}

func TestAdjustRoutesBySign(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.seedLedger("adjust-user", 10, 202609)
	service := mustNewService(t, store)
	userID := mustUserID(t, "adjust-user")

	balance, err := service.Adjust(context.Background(), userID, 5)
	if err != nil {
		t.Fatalf("positive adjust: %v", err)
	}
	if balance != 15 {
		t.Fatalf("expected 15 after credit adjustment, got %d", balance)
	}

	balance, err = service.Adjust(context.Background(), userID, -4)
	if err != nil {
		t.Fatalf("negative adjust: %v", err)
	}
	if balance != 11 {
		t.Fatalf("expected 11 after debit adjustment, got %d", balance)
	}

	if _, err := service.Adjust(context.Background(), userID, 0); !errors.Is(err, ErrInvalidCreditAmount) {
		t.Fatalf("expected ErrInvalidCreditAmount for zero adjustment, got %v", err)
	}
}

func TestAdjustNegativeRespectsBalanceGuard(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	store.seedLedger("adjust-low", 2, 202609)
	service := mustNewService(t, store)

	_, err := service.Adjust(context.Background(), mustUserID(t, "adjust-low"), -5)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	t.Parallel()
	store := newStubStore()
	gateway := &stubGateway{}
	secrets := Secrets{ClientSecret: "client", WebhookSecret: "webhook"}

	if _, err := NewService(nil, gateway, secrets, fixedNow); !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid service config for nil store, got %v", err)
	}
	if _, err := NewService(store, nil, secrets, fixedNow); !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid service config for nil gateway, got %v", err)
	}
	if _, err := NewService(store, gateway, secrets, nil); !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid service config for nil clock, got %v", err)
	}
	if _, err := NewService(store, gateway, Secrets{WebhookSecret: "webhook"}, fixedNow); !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid service config for empty client secret, got %v", err)
	}
	if _, err := NewService(store, gateway, Secrets{ClientSecret: "client"}, fixedNow); !errors.Is(err, ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid service config for empty webhook secret, got %v", err)
	}
}

// --- helpers ---

const (
	testClientSecret  = "test-client-secret"
	testWebhookSecret = "test-webhook-secret"
)

func fixedNow() time.Time {
	return time.Date(2026, time.September, 15, 12, 0, 0, 0, time.UTC)
}

type stubStore struct {
	mu      sync.Mutex
	ledgers map[string]Ledger
	orders  map[string]Order

	getOrCreateErr error
	debitErr       error
	creditErr      error
	listErr        error
	createOrderErr error
	getOrderErr    error
	completeErr    error
	failErr        error
	advanceErr     error
}

func newStubStore() *stubStore {
	return &stubStore{
		ledgers: make(map[string]Ledger),
		orders:  make(map[string]Order),
	}
}

func (s *stubStore) seedLedger(userID string, balance int64, epoch int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[userID] = Ledger{
		UserID:           UserID{value: userID},
		Balance:          balance,
		LastRenewalEpoch: MonthEpoch(epoch),
	}
}

func (s *stubStore) seedOrder(order Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.OrderID.String()] = order
}

func (s *stubStore) balance(userID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledgers[userID].Balance
}

func (s *stubStore) order(t *testing.T, orderID string) Order {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		t.Fatalf("order %s not found", orderID)
	}
	return order
}

func (s *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, s)
}

func (s *stubStore) GetOrCreateLedger(ctx context.Context, userID UserID, startingBalance CreditAmount, currentEpoch MonthEpoch) (Ledger, error) {
	if s.getOrCreateErr != nil {
		return Ledger{}, s.getOrCreateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ledgerRecord, ok := s.ledgers[userID.String()]
	if !ok {
		ledgerRecord = Ledger{
			UserID:           userID,
			Balance:          startingBalance.Int64(),
			LastRenewalEpoch: currentEpoch,
		}
		s.ledgers[userID.String()] = ledgerRecord
	}
	return ledgerRecord, nil
}

func (s *stubStore) DebitBalance(ctx context.Context, userID UserID, amount CreditAmount) (int64, error) {
	if s.debitErr != nil {
		return 0, s.debitErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ledgerRecord, ok := s.ledgers[userID.String()]
	if !ok {
		return 0, ErrUnknownLedger
	}
	if ledgerRecord.Balance < amount.Int64() {
		return 0, ErrInsufficientFunds
	}
	ledgerRecord.Balance -= amount.Int64()
	s.ledgers[userID.String()] = ledgerRecord
	return ledgerRecord.Balance, nil
}

func (s *stubStore) CreditBalance(ctx context.Context, userID UserID, amount CreditAmount) (int64, error) {
	if s.creditErr != nil {
		return 0, s.creditErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ledgerRecord, ok := s.ledgers[userID.String()]
	if !ok {
		return 0, ErrUnknownLedger
	}
	ledgerRecord.Balance += amount.Int64()
	s.ledgers[userID.String()] = ledgerRecord
	return ledgerRecord.Balance, nil
}

func (s *stubStore) ListLedgers(ctx context.Context, afterUserID string, limit int) ([]Ledger, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.ledgers))
	for key := range s.ledgers {
		if key > afterUserID {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]Ledger, 0, len(keys))
	for _, key := range keys {
		out = append(out, s.ledgers[key])
	}
	return out, nil
}

func (s *stubStore) CreateOrder(ctx context.Context, order Order) error {
	if s.createOrderErr != nil {
		return s.createOrderErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.OrderID.String()]; exists {
		return ErrOrderExists
	}
	s.orders[order.OrderID.String()] = order
	return nil
}

func (s *stubStore) GetOrder(ctx context.Context, orderID OrderID) (Order, error) {
	if s.getOrderErr != nil {
		return Order{}, s.getOrderErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID.String()]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *stubStore) CompleteOrder(ctx context.Context, orderID OrderID, paymentReference PaymentID) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID.String()]
	if !ok {
		return ErrOrderNotFound
	}
	switch order.Status {
	case OrderStatusCompleted:
		return ErrOrderCompleted
	case OrderStatusFailed:
		return ErrOrderFailed
	}
	order.Status = OrderStatusCompleted
	order.PaymentReference = paymentReference.String()
	s.orders[orderID.String()] = order
	return nil
}

func (s *stubStore) FailOrder(ctx context.Context, orderID OrderID) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID.String()]
	if !ok {
		return ErrOrderNotFound
	}
	switch order.Status {
	case OrderStatusCompleted:
		return ErrOrderCompleted
	case OrderStatusFailed:
		return ErrOrderFailed
	}
	order.Status = OrderStatusFailed
	s.orders[orderID.String()] = order
	return nil
}

func (s *stubStore) AdvanceRenewalEpoch(ctx context.Context, userID UserID, currentEpoch MonthEpoch) error {
	if s.advanceErr != nil {
		return s.advanceErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ledgerRecord, ok := s.ledgers[userID.String()]
	if !ok {
		return ErrUnknownLedger
	}
	if !ledgerRecord.LastRenewalEpoch.Before(currentEpoch) {
		return ErrRenewalCurrent
	}
	ledgerRecord.LastRenewalEpoch = currentEpoch
	s.ledgers[userID.String()] = ledgerRecord
	return nil
}

type stubGateway struct {
	mu            sync.Mutex
	nextOrderID   string
	registerErr   error
	registrations []OrderRegistration
}

func (g *stubGateway) RegisterOrder(ctx context.Context, registration OrderRegistration) (OrderID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.registerErr != nil {
		return OrderID{}, g.registerErr
	}
	g.registrations = append(g.registrations, registration)
	orderID := g.nextOrderID
	if orderID == "" {
		orderID = "order_stub"
	}
	return OrderID{value: orderID}, nil
}

func mustNewService(t *testing.T, store Store, options ...ServiceOption) *Service {
	t.Helper()
	service, err := NewService(store, &stubGateway{}, Secrets{
		ClientSecret:  testClientSecret,
		WebhookSecret: testWebhookSecret,
	}, fixedNow, options...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func mustNewServiceWithGateway(t *testing.T, store Store, gateway Gateway, options ...ServiceOption) *Service {
	t.Helper()
	service, err := NewService(store, gateway, Secrets{
		ClientSecret:  testClientSecret,
		WebhookSecret: testWebhookSecret,
	}, fixedNow, options...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(t *testing.T, raw string) UserID {
	t.Helper()
	value, err := NewUserID(raw)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return value
}

func mustOrderID(t *testing.T, raw string) OrderID {
	t.Helper()
	value, err := NewOrderID(raw)
	if err != nil {
		t.Fatalf("order id: %v", err)
	}
	return value
}

func mustPaymentID(t *testing.T, raw string) PaymentID {
	t.Helper()
	value, err := NewPaymentID(raw)
	if err != nil {
		t.Fatalf("payment id: %v", err)
	}
	return value
}

func mustAmount(t *testing.T, raw int64) CreditAmount {
	t.Helper()
	value, err := NewCreditAmount(raw)
	if err != nil {
		t.Fatalf("credit amount: %v", err)
	}
	return value
}
