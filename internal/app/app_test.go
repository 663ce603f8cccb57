package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rl1809/site-ledger/internal/adapter/handler"
	"github.com/rl1809/site-ledger/internal/config"
	"github.com/rl1809/site-ledger/internal/core/domain"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Redis.Addr = ""
	cfg.Consumer.PollInterval = 20 * time.Millisecond
	cfg.Consumer.BackoffMin = 10 * time.Millisecond
	cfg.Consumer.BackoffMax = 50 * time.Millisecond
	return cfg
}

type running struct {
	app      *App
	httpURL  string
	grpcAddr string
}

func startApp(t *testing.T, cfg *config.Config) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, cfg, nil)
	require.NoError(t, err)

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, httpLis, grpcLis) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("serve did not stop")
		}
		assert.NoError(t, a.Close(context.Background()))
	})
	return &running{app: a, httpURL: "http://" + httpLis.Addr().String(), grpcAddr: grpcLis.Addr().String()}
}

func (r *running) post(t *testing.T, path string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, r.httpURL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("X-User-ID", "site-manager")
	req.Header.Set("X-User-Roles", "PROJECT_MANAGER")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (r *running) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(r.httpURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestApp_ConsumptionReachesBudgetLine(t *testing.T) {
	r := startApp(t, testConfig(t))

	var line handler.BudgetLineView
	require.Equal(t, http.StatusCreated, r.post(t, "/api/budget-lines", map[string]string{
		"budget_id": "tower-a", "code": "05.02", "description": "Structural concrete", "budgeted_amount": "1000",
	}, &line))
	require.Equal(t, http.StatusOK, r.post(t, "/api/budget-lines/"+line.ID+"/reserve", map[string]string{"amount": "200"}, nil))

	require.Equal(t, http.StatusCreated, r.post(t, "/api/projects/tower-a/inventory/cement/receive", map[string]string{
		"quantity": "100", "unit_price": "9.5", "document_ref": "GR-100",
	}, nil))
	var issued handler.InventoryMovementView
	require.Equal(t, http.StatusCreated, r.post(t, "/api/projects/tower-a/inventory/cement/issue", map[string]string{
		"quantity": "90", "budget_line_id": line.ID, "reference": "OUT-7",
	}, &issued))
	assert.Equal(t, "855.0000", issued.ActualCost)

	require.Eventually(t, func() bool {
		var got handler.BudgetLineView
		return r.get(t, "/api/budget-lines/"+line.ID, &got) == http.StatusOK && got.ExecutedAmount == "855.0000"
	}, 5*time.Second, 20*time.Millisecond)

	var got handler.BudgetLineView
	require.Equal(t, http.StatusOK, r.get(t, "/api/budget-lines/"+line.ID, &got))
	assert.Equal(t, "0.0000", got.ReservedAmount, "reservation consumed first")
	assert.Equal(t, "145.0000", got.Available)

	ctx := context.Background()
	alerts, err := r.app.Store.Outbox().ListByStatus(ctx, domain.EventPending, 100)
	require.NoError(t, err)
	var warned bool
	for _, ev := range alerts {
		if ev.EventType == domain.EventBudgetAlertRaised {
			var a domain.BudgetAlert
			require.NoError(t, ev.Decode(&a))
			warned = a.Severity == domain.AlertWarning
		}
	}
	assert.True(t, warned, "85 percent execution raises a warning")

	snap := r.app.Hooks.Snapshot()
	assert.GreaterOrEqual(t, snap.Operations, int64(5))
}

func TestApp_TransferAndAdminOverGRPC(t *testing.T) {
	r := startApp(t, testConfig(t))

	require.Equal(t, http.StatusCreated, r.post(t, "/api/projects/site-1/inventory/rebar/receive", map[string]string{
		"quantity": "10", "unit_price": "12", "document_ref": "GR-1",
	}, nil))
	require.Equal(t, http.StatusAccepted, r.post(t, "/api/projects/site-1/inventory/rebar/transfer", map[string]string{
		"quantity": "4", "destination_project_id": "site-2", "reference": "TR-1",
	}, nil))

	conn, err := grpc.NewClient(r.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := handler.NewLedgerAdminClient(conn)
	ctx := context.Background()

	require.Eventually(t, func() bool {
		p, err := client.GetPosition(ctx, &handler.GetPositionRequest{ProjectID: "site-2", ResourceID: "rebar"})
		return err == nil && p.QuantityOnHand == "4.0000" && p.WeightedAverageCost == "12.0000"
	}, 5*time.Second, 20*time.Millisecond)

	src, err := client.GetPosition(ctx, &handler.GetPositionRequest{ProjectID: "site-1", ResourceID: "rebar"})
	require.NoError(t, err)
	assert.Equal(t, "6.0000", src.QuantityOnHand)

	dead, err := client.ListEvents(ctx, &handler.ListEventsRequest{})
	require.NoError(t, err)
	assert.Empty(t, dead.Events)

	counters, err := client.GetCounters(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counters.Operations, int64(2))
}

func TestApp_BrokenConsumptionGoesDead(t *testing.T) {
	cfg := testConfig(t)
	cfg.Consumer.MaxAttempts = 2
	r := startApp(t, cfg)

	require.Equal(t, http.StatusCreated, r.post(t, "/api/projects/p1/inventory/sand/receive", map[string]string{
		"quantity": "5", "unit_price": "2",
	}, nil))
	require.Equal(t, http.StatusCreated, r.post(t, "/api/projects/p1/inventory/sand/issue", map[string]string{
		"quantity": "1", "budget_line_id": "no-such-line",
	}, nil))

	ctx := context.Background()
	var dead []domain.OutboxEvent
	require.Eventually(t, func() bool {
		var err error
		dead, err = r.app.Admin.List(ctx, domain.EventDead, 10)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, domain.EventMaterialConsumed, dead[0].EventType)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "no-such-line")
}

func TestApp_ConcurrentEgressOneWins(t *testing.T) {
	cfg := testConfig(t)
	cfg.Consumer.Enabled = false
	r := startApp(t, cfg)

	require.Equal(t, http.StatusCreated, r.post(t, "/api/projects/p1/wallet/ingress", map[string]string{
		"amount": "150", "reference": "advance", "evidence_ref": "bank",
	}, nil))

	var (
		wg        sync.WaitGroup
		created   atomic.Int32
		insuff    atomic.Int32
		unexpectd atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var resp handler.ErrorResponse
			switch r.post(t, "/api/projects/p1/wallet/egress", map[string]string{
				"amount": "100", "reference": "materials", "evidence_ref": "inv",
			}, &resp) {
			case http.StatusCreated:
				created.Add(1)
			case http.StatusUnprocessableEntity:
				insuff.Add(1)
			default:
				unexpectd.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(1), insuff.Load())
	assert.Zero(t, unexpectd.Load())

	var w handler.WalletView
	require.Equal(t, http.StatusOK, r.get(t, "/api/projects/p1/wallet", &w))
	assert.Equal(t, "50.0000", w.Balance)
}

func TestApp_WithRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.Close()
	before, err := client.PubSubNumSub(ctx, "ledger:outbox").Result()
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Redis.Addr = addr
	cfg.Consumer.PollInterval = time.Minute
	r := startApp(t, cfg)

	require.Eventually(t, func() bool {
		subs, err := client.PubSubNumSub(ctx, "ledger:outbox").Result()
		return err == nil && subs["ledger:outbox"] > before["ledger:outbox"]
	}, 5*time.Second, 10*time.Millisecond)

	var line handler.BudgetLineView
	require.Equal(t, http.StatusCreated, r.post(t, "/api/budget-lines", map[string]string{
		"budget_id": "b", "code": "01", "budgeted_amount": "100",
	}, &line))
	require.Equal(t, http.StatusCreated, r.post(t, "/api/projects/p1/inventory/nails/receive", map[string]string{
		"quantity": "10", "unit_price": "1",
	}, nil))
	require.Equal(t, http.StatusCreated, r.post(t, "/api/projects/p1/inventory/nails/issue", map[string]string{
		"quantity": "3", "budget_line_id": line.ID,
	}, nil))

	// The poll interval is a minute; only the notification can wake the consumer.
	require.Eventually(t, func() bool {
		var got handler.BudgetLineView
		return r.get(t, "/api/budget-lines/"+line.ID, &got) == http.StatusOK && got.ExecutedAmount == "3.0000"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNew_FailsOnBadDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "oracle"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
