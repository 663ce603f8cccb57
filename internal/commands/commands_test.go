package commands

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/rl1809/site-ledger/internal/adapter/handler"
	"github.com/rl1809/site-ledger/internal/adapter/storage"
	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/core/service"
)

func useSQLite(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	t.Setenv("LEDGER_DB_DRIVER", "sqlite3")
	t.Setenv("LEDGER_DB_DSN", dsn)
	t.Setenv("LEDGER_REDIS_ADDR", "")
	t.Setenv("LEDGER_LOG_MODE", "dev")
	return dsn
}

func runLedger(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// seedDeadEvent stores a wallet and parks its creation event as DEAD.
func seedDeadEvent(t *testing.T, dsn string) (*storage.Store, string) {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, storage.Options{Driver: "sqlite3", DSN: dsn, Migrate: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	w, err := domain.NewCashWallet("p1")
	require.NoError(t, err)
	require.NoError(t, store.Wallets().Create(ctx, w))
	events, err := store.Outbox().ListByStatus(ctx, domain.EventPending, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, store.Outbox().MarkDead(ctx, events[0].ID, 10, "reporting sink rejected payload"))
	return store, events[0].ID
}

func TestMigrate(t *testing.T) {
	useSQLite(t)
	out, err := runLedger(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date (sqlite3)")

	out, err = runLedger(t, "migrate")
	require.NoError(t, err, "migrate is repeatable")
	assert.Contains(t, out, "schema up to date")
}

func TestOutbox_DeadAndRequeue(t *testing.T) {
	dsn := useSQLite(t)
	_, id := seedDeadEvent(t, dsn)

	out, err := runLedger(t, "outbox", "dead")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, domain.EventWalletCreated)
	assert.Contains(t, out, "reporting sink rejected payload")

	out, err = runLedger(t, "outbox", "requeue", id)
	require.NoError(t, err)
	assert.Contains(t, out, "requeued "+id)
	assert.Contains(t, out, string(domain.EventPending))

	out, err = runLedger(t, "outbox", "dead")
	require.NoError(t, err)
	assert.Contains(t, out, "no dead events")

	_, err = runLedger(t, "outbox", "requeue", id)
	assert.Error(t, err, "only dead events can be requeued")
}

func TestOutbox_Remote(t *testing.T) {
	dsn := useSQLite(t)
	store, id := seedDeadEvent(t, dsn)

	ledger := service.NewLedgerService(service.Deps{
		Wallets:     store.Wallets(),
		BudgetLines: store.BudgetLines(),
		Inventory:   store.Inventory(),
	})
	srv := grpc.NewServer()
	handler.RegisterLedgerAdminServer(srv, handler.NewGRPCHandler(ledger, service.NewOutboxAdmin(store.Outbox(), nil, nil), nil))
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	out, err := runLedger(t, "outbox", "dead", "--remote", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, id)

	out, err = runLedger(t, "outbox", "requeue", id, "--remote", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, "status PENDING")
}

func TestRequeue_RequiresID(t *testing.T) {
	useSQLite(t)
	_, err := runLedger(t, "outbox", "requeue")
	assert.Error(t, err)
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b", oneLine("a\nb", 10))
	assert.Equal(t, "abcdefg...", oneLine("abcdefghijklmnop", 10))
}
