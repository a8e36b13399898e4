package application_test

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

// --- Clock ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Broker ---

type mockBroker struct {
	authenticate func(ctx context.Context, cred model.BrokerCredential) (model.AccessToken, error)
	fetchBalance func(ctx context.Context, cred model.BrokerCredential, token string) (*model.BalanceResponse, error)
	fetchPrice   func(ctx context.Context, cred model.BrokerCredential, token, code string) (decimal.Decimal, error)

	authCalls    atomic.Int32
	balanceCalls atomic.Int32
	priceCalls   atomic.Int32
}

var _ driven.BrokerClient = (*mockBroker)(nil)

func (m *mockBroker) Authenticate(ctx context.Context, cred model.BrokerCredential) (model.AccessToken, error) {
	m.authCalls.Add(1)
	if m.authenticate == nil {
		return model.AccessToken{Token: "tok-" + cred.AppKey, ExpiresAt: time.Now().Add(24 * time.Hour)}, nil
	}
	return m.authenticate(ctx, cred)
}

func (m *mockBroker) FetchBalance(ctx context.Context, cred model.BrokerCredential, token string) (*model.BalanceResponse, error) {
	m.balanceCalls.Add(1)
	if m.fetchBalance == nil {
		return &model.BalanceResponse{ResultCode: "0"}, nil
	}
	return m.fetchBalance(ctx, cred, token)
}

func (m *mockBroker) FetchCurrentPrice(ctx context.Context, cred model.BrokerCredential, token, code string) (decimal.Decimal, error) {
	m.priceCalls.Add(1)
	return m.fetchPrice(ctx, cred, token, code)
}

func (m *mockBroker) networkCalls() int {
	return int(m.authCalls.Load() + m.balanceCalls.Load() + m.priceCalls.Load())
}

// --- Credential store ---

type mockCredentialStore struct {
	mu      sync.Mutex
	creds   map[int64]model.BrokerCredential
	getErr  error
	listErr error
}

var _ driven.CredentialStore = (*mockCredentialStore)(nil)

func newMockCredentialStore(creds ...model.BrokerCredential) *mockCredentialStore {
	m := &mockCredentialStore{creds: make(map[int64]model.BrokerCredential)}
	for _, c := range creds {
		m.creds[c.UserID] = c
	}
	return m
}

func (m *mockCredentialStore) Upsert(_ context.Context, cred model.BrokerCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.UserID] = cred
	return nil
}

func (m *mockCredentialStore) GetByUser(_ context.Context, userID int64) (*model.BrokerCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	c, ok := m.creds[userID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *mockCredentialStore) ListUserIDs(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var ids []int64
	for id := range m.creds {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *mockCredentialStore) Delete(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, userID)
	return nil
}

// --- Portfolio store ---

// mockPortfolioStore keeps holdings keyed by (user, code) and an append-only
// price list, mirroring the upsert semantics of the SQLite adapter.
type mockPortfolioStore struct {
	mu       sync.Mutex
	nextID   int64
	holdings map[int64]map[string]model.Holding
	prices   []model.PriceHistory
	syncs    []driven.PortfolioSync
	applyErr error
}

var _ driven.PortfolioStore = (*mockPortfolioStore)(nil)

func newMockPortfolioStore() *mockPortfolioStore {
	return &mockPortfolioStore{holdings: make(map[int64]map[string]model.Holding)}
}

func (m *mockPortfolioStore) ApplySync(_ context.Context, s driven.PortfolioSync) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.applyErr != nil {
		return 0, m.applyErr
	}
	m.syncs = append(m.syncs, s)

	user := m.holdings[s.UserID]
	if user == nil {
		user = make(map[string]model.Holding)
		m.holdings[s.UserID] = user
	}

	keep := make(map[string]bool, len(s.Holdings))
	for _, h := range s.Holdings {
		keep[h.StockCode] = true
		if existing, ok := user[h.StockCode]; ok {
			h.ID = existing.ID
		} else {
			m.nextID++
			h.ID = m.nextID
		}
		user[h.StockCode] = h
	}
	m.prices = append(m.prices, s.Prices...)

	var removed int
	if s.PruneAbsent {
		for code := range user {
			if !keep[code] {
				delete(user, code)
				removed++
			}
		}
	}
	return removed, nil
}

func (m *mockPortfolioStore) ListHoldings(_ context.Context, userID int64) ([]model.Holding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Holding
	for _, h := range m.holdings[userID] {
		out = append(out, h)
	}
	return out, nil
}

func (m *mockPortfolioStore) ListPriceHistory(_ context.Context, code string, limit int) ([]model.PriceHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PriceHistory
	for i := len(m.prices) - 1; i >= 0 && len(out) < limit; i-- {
		if m.prices[i].StockCode == code {
			out = append(out, m.prices[i])
		}
	}
	return out, nil
}

func (m *mockPortfolioStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.syncs)
}

// --- Stock meta store ---

type mockMetaStore struct {
	metas map[int64]map[string]model.StockMeta
}

var _ driven.StockMetaStore = (*mockMetaStore)(nil)

func newMockMetaStore() *mockMetaStore {
	return &mockMetaStore{metas: make(map[int64]map[string]model.StockMeta)}
}

func (m *mockMetaStore) Get(_ context.Context, userID int64, code string) (*model.StockMeta, error) {
	meta, ok := m.metas[userID][code]
	if !ok {
		return nil, nil
	}
	return &meta, nil
}

func (m *mockMetaStore) Upsert(_ context.Context, meta model.StockMeta) error {
	if m.metas[meta.UserID] == nil {
		m.metas[meta.UserID] = make(map[string]model.StockMeta)
	}
	m.metas[meta.UserID][meta.StockCode] = meta
	return nil
}

func (m *mockMetaStore) ListByUser(_ context.Context, userID int64) (map[string]model.StockMeta, error) {
	out := make(map[string]model.StockMeta, len(m.metas[userID]))
	for k, v := range m.metas[userID] {
		out[k] = v
	}
	return out, nil
}

// --- User store ---

type mockUserStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[string]model.User
}

var _ driven.UserStore = (*mockUserStore)(nil)

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: make(map[string]model.User)}
}

func (m *mockUserStore) Create(_ context.Context, user model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Username]; ok {
		return model.User{}, driven.ErrDuplicateUser
	}
	m.nextID++
	user.ID = m.nextID
	user.CreatedAt = time.Now()
	m.users[user.Username] = user
	return user, nil
}

func (m *mockUserStore) GetByUsername(_ context.Context, username string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *mockUserStore) GetByID(_ context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			return &u, nil
		}
	}
	return nil, nil
}

// --- Fixtures ---

func testCredential(userID int64) model.BrokerCredential {
	return model.BrokerCredential{
		UserID:             userID,
		AppKey:             "PSkey-shared",
		AppSecret:          "secret-shared",
		AccountNumber:      "12345678",
		AccountProductCode: "01",
		IsSandbox:          true,
	}
}
