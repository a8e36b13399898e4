package application_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/kisfolio/internal/application"
	"github.com/ericfisherdev/kisfolio/internal/domain/model"
	"github.com/ericfisherdev/kisfolio/internal/domain/port/driven"
)

func balanceOf(items ...model.BalanceItem) func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error) {
	return func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error) {
		return &model.BalanceResponse{ResultCode: "0", MessageCode: "KIOK0000", Message: "정상처리", Holdings: items}, nil
	}
}

func samsung(qty string) model.BalanceItem {
	return model.BalanceItem{
		StockCode:    "005930",
		StockName:    "삼성전자",
		Quantity:     qty,
		AvgPrice:     "70000",
		CurrentPrice: "72000",
	}
}

type syncFixture struct {
	creds     *mockCredentialStore
	portfolio *mockPortfolioStore
	broker    *mockBroker
	svc       *application.SyncService
}

func newSyncFixture(prune bool, creds ...model.BrokerCredential) *syncFixture {
	f := &syncFixture{
		creds:     newMockCredentialStore(creds...),
		portfolio: newMockPortfolioStore(),
		broker:    &mockBroker{},
	}
	f.svc = application.NewSyncService(f.creds, f.portfolio, f.broker, application.NewTokenCache(f.broker, nil), prune)
	return f
}

func TestSyncService_SamsungScenario(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.broker.fetchBalance = balanceOf(samsung("10"))

	res := f.svc.SyncUserPortfolio(context.Background(), 1)

	require.Equal(t, model.SyncStatusSuccess, res.Status, res.Message)
	assert.Equal(t, 1, res.HoldingsProcessed)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	holdings, err := f.portfolio.ListHoldings(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	h := holdings[0]
	assert.Equal(t, "005930", h.StockCode)
	assert.Equal(t, "삼성전자", h.StockName)
	assert.Equal(t, int64(10), h.Quantity)
	assert.True(t, decimal.NewFromInt(70000).Equal(h.AvgPrice))
	assert.True(t, decimal.NewFromInt(72000).Equal(h.CurrentPrice))

	require.Len(t, f.portfolio.prices, 1)
	assert.Equal(t, "005930", f.portfolio.prices[0].StockCode)
	assert.True(t, decimal.NewFromInt(72000).Equal(f.portfolio.prices[0].Price))
	assert.True(t, f.portfolio.prices[0].RecordedAt.Equal(f.portfolio.syncs[0].SyncedAt))
}

func TestSyncService_ZeroQuantitySkipped(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.broker.fetchBalance = balanceOf(
		samsung("10"),
		model.BalanceItem{StockCode: "000660", StockName: "SK하이닉스", Quantity: "0", AvgPrice: "0", CurrentPrice: "130000"},
		model.BalanceItem{StockCode: "035420", StockName: "NAVER", Quantity: "", AvgPrice: "", CurrentPrice: ""},
	)

	res := f.svc.SyncUserPortfolio(context.Background(), 1)

	require.Equal(t, model.SyncStatusSuccess, res.Status, res.Message)
	assert.Equal(t, 1, res.HoldingsProcessed)

	require.Len(t, f.portfolio.syncs, 1)
	for _, h := range f.portfolio.syncs[0].Holdings {
		assert.Equal(t, "005930", h.StockCode)
	}
	for _, p := range f.portfolio.syncs[0].Prices {
		assert.Equal(t, "005930", p.StockCode)
	}
}

func TestSyncService_ResultCodeFailureWritesNothing(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.broker.fetchBalance = func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error) {
		return &model.BalanceResponse{
			ResultCode:  "1",
			MessageCode: "EGW00123",
			Message:     "기간이 만료된 token 입니다.",
			Holdings:    []model.BalanceItem{samsung("10")},
		}, nil
	}

	res := f.svc.SyncUserPortfolio(context.Background(), 1)

	assert.Equal(t, model.SyncStatusAPIError, res.Status)
	assert.Equal(t, "기간이 만료된 token 입니다.", res.Message)
	assert.Zero(t, f.portfolio.writeCount())
}

func TestSyncService_NoCredential(t *testing.T) {
	f := newSyncFixture(true)

	res := f.svc.SyncUserPortfolio(context.Background(), 7)

	assert.Equal(t, model.SyncStatusNoCredential, res.Status)
	assert.Equal(t, int64(7), res.UserID)
	assert.Zero(t, f.broker.networkCalls())
	assert.Zero(t, f.portfolio.writeCount())
}

func TestSyncService_CredentialLookupFailure(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.creds.getErr = driven.ErrEncryptionKeyNotSet

	res := f.svc.SyncUserPortfolio(context.Background(), 1)

	assert.Equal(t, model.SyncStatusPersistenceError, res.Status)
	assert.Zero(t, f.broker.networkCalls())
}

func TestSyncService_TokenFailure(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.broker.authenticate = func(context.Context, model.BrokerCredential) (model.AccessToken, error) {
		return model.AccessToken{}, &driven.TransportError{Op: "authenticate", StatusCode: 403, Body: `{"error_code":"EGW00002"}`}
	}

	res := f.svc.SyncUserPortfolio(context.Background(), 1)

	assert.Equal(t, model.SyncStatusTransportError, res.Status)
	assert.Contains(t, res.Message, "EGW00002")
	assert.Zero(t, f.broker.balanceCalls.Load())
	assert.Zero(t, f.portfolio.writeCount())
}

func TestSyncService_BalanceTransportFailure(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.broker.fetchBalance = func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error) {
		return nil, &driven.TransportError{Op: "inquire balance", Err: errors.New("connection reset")}
	}

	res := f.svc.SyncUserPortfolio(context.Background(), 1)

	assert.Equal(t, model.SyncStatusTransportError, res.Status)
	assert.Zero(t, f.portfolio.writeCount())
}

func TestSyncService_BalanceAPIErrorClassified(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.broker.fetchBalance = func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error) {
		return nil, &driven.APIError{Op: "inquire balance", Code: "7", Message: "bad account"}
	}

	res := f.svc.SyncUserPortfolio(context.Background(), 1)

	assert.Equal(t, model.SyncStatusAPIError, res.Status)
}

func TestSyncService_MalformedNumberWritesNothing(t *testing.T) {
	tests := []struct {
		name string
		item model.BalanceItem
	}{
		{"bad quantity", model.BalanceItem{StockCode: "005930", Quantity: "ten", AvgPrice: "1", CurrentPrice: "1"}},
		{"negative quantity", model.BalanceItem{StockCode: "005930", Quantity: "-1", AvgPrice: "1", CurrentPrice: "1"}},
		{"bad avg price", model.BalanceItem{StockCode: "005930", Quantity: "1", AvgPrice: "n/a", CurrentPrice: "1"}},
		{"bad current price", model.BalanceItem{StockCode: "005930", Quantity: "1", AvgPrice: "1", CurrentPrice: "1,000"}},
		{"missing code", model.BalanceItem{StockCode: " ", Quantity: "1", AvgPrice: "1", CurrentPrice: "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncFixture(true, testCredential(1))
			f.broker.fetchBalance = balanceOf(samsung("10"), tt.item)

			res := f.svc.SyncUserPortfolio(context.Background(), 1)

			assert.Equal(t, model.SyncStatusAPIError, res.Status)
			assert.Zero(t, f.portfolio.writeCount())
		})
	}
}

func TestSyncService_PersistenceFailure(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.broker.fetchBalance = balanceOf(samsung("10"))
	f.portfolio.applyErr = errors.New("disk I/O error")

	res := f.svc.SyncUserPortfolio(context.Background(), 1)

	assert.Equal(t, model.SyncStatusPersistenceError, res.Status)
	assert.Contains(t, res.Message, "disk I/O error")
}

func TestSyncService_ResyncUpdatesSameHolding(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.broker.fetchBalance = balanceOf(samsung("10"))
	ctx := context.Background()

	require.Equal(t, model.SyncStatusSuccess, f.svc.SyncUserPortfolio(ctx, 1).Status)
	first, err := f.portfolio.ListHoldings(ctx, 1)
	require.NoError(t, err)

	require.Equal(t, model.SyncStatusSuccess, f.svc.SyncUserPortfolio(ctx, 1).Status)
	second, err := f.portfolio.ListHoldings(ctx, 1)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Len(t, f.portfolio.prices, 2)
	assert.EqualValues(t, 1, f.broker.authCalls.Load(), "token reused across syncs")
}

func TestSyncService_PruneFlagPassedThrough(t *testing.T) {
	for _, prune := range []bool{true, false} {
		f := newSyncFixture(prune, testCredential(1))
		f.broker.fetchBalance = balanceOf(samsung("10"))

		res := f.svc.SyncUserPortfolio(context.Background(), 1)

		require.Equal(t, model.SyncStatusSuccess, res.Status)
		require.Len(t, f.portfolio.syncs, 1)
		assert.Equal(t, prune, f.portfolio.syncs[0].PruneAbsent)
	}
}

func TestSyncService_ReportsRemovedHoldings(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	ctx := context.Background()

	f.broker.fetchBalance = balanceOf(samsung("10"), model.BalanceItem{
		StockCode: "000660", StockName: "SK하이닉스", Quantity: "3", AvgPrice: "120000", CurrentPrice: "130000",
	})
	require.Equal(t, model.SyncStatusSuccess, f.svc.SyncUserPortfolio(ctx, 1).Status)

	f.broker.fetchBalance = balanceOf(samsung("10"))
	res := f.svc.SyncUserPortfolio(ctx, 1)

	require.Equal(t, model.SyncStatusSuccess, res.Status)
	assert.Equal(t, 1, res.HoldingsProcessed)
	assert.Equal(t, 1, res.HoldingsRemoved)
}

func TestSyncService_RejectedTokenIsDropped(t *testing.T) {
	tests := []struct {
		name   string
		reject func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error)
	}{
		{
			name: "expired token result code",
			reject: func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error) {
				return &model.BalanceResponse{ResultCode: "1", MessageCode: "EGW00123", Message: "기간이 만료된 token 입니다."}, nil
			},
		},
		{
			name: "unauthorized status",
			reject: func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error) {
				return nil, &driven.TransportError{Op: "inquire balance", StatusCode: 401, Body: "unauthorized"}
			},
		},
		{
			name: "invalid token in error body",
			reject: func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error) {
				return nil, &driven.TransportError{Op: "inquire balance", StatusCode: 500, Body: `{"rt_cd":"1","msg_cd":"EGW00121"}`}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newSyncFixture(true, testCredential(1))
			f.broker.fetchBalance = tc.reject

			first := f.svc.SyncUserPortfolio(context.Background(), 1)
			require.True(t, first.Failed())

			f.broker.fetchBalance = balanceOf(samsung("10"))
			second := f.svc.SyncUserPortfolio(context.Background(), 1)

			assert.Equal(t, model.SyncStatusSuccess, second.Status)
			assert.EqualValues(t, 2, f.broker.authCalls.Load(), "token requested again after rejection")
		})
	}
}

func TestSyncService_OtherFailuresKeepToken(t *testing.T) {
	f := newSyncFixture(true, testCredential(1))
	f.broker.fetchBalance = func(context.Context, model.BrokerCredential, string) (*model.BalanceResponse, error) {
		return &model.BalanceResponse{ResultCode: "1", MessageCode: "OPSQ2000", Message: "invalid account"}, nil
	}

	f.svc.SyncUserPortfolio(context.Background(), 1)
	f.broker.fetchBalance = balanceOf(samsung("10"))
	res := f.svc.SyncUserPortfolio(context.Background(), 1)

	assert.Equal(t, model.SyncStatusSuccess, res.Status)
	assert.EqualValues(t, 1, f.broker.authCalls.Load())
}
