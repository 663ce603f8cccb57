package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/site-ledger/internal/adapter/handler"
	"github.com/rl1809/site-ledger/internal/adapter/storage"
	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/core/service"
	"github.com/rl1809/site-ledger/internal/observability"
	"github.com/rl1809/site-ledger/internal/platform/logger"
)

const (
	initialBalance = 2000
	egressAmount   = 100
	initialStock   = 20
	totalRequests  = 50
)

type result struct {
	success  atomic.Int32
	rejected atomic.Int32
	failed   atomic.Int32
}

func main() {
	ctx := context.Background()

	driver, dsn := os.Getenv("LEDGER_DB_DRIVER"), os.Getenv("LEDGER_DB_DSN")
	if dsn == "" {
		dir, err := os.MkdirTemp("", "ledger-stress-*")
		if err != nil {
			log.Fatalf("failed to create temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		driver, dsn = "sqlite3", filepath.Join(dir, "ledger.db")
	}

	store, err := storage.Open(ctx, storage.Options{Driver: driver, DSN: dsn, MaxOpenConns: 50, Migrate: true}, logger.Nop())
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	hooks := observability.NewLogHooks(logger.Nop())
	ledger := service.NewLedgerService(service.Deps{
		Wallets:     store.Wallets(),
		BudgetLines: store.BudgetLines(),
		Inventory:   store.Inventory(),
		Hooks:       hooks,
		// Every writer may lose to every other writer once.
		MaxAttempts: totalRequests + 1,
	})

	sec := handler.Actor{UserID: "stress", Roles: []string{"PROJECT_MANAGER"}}
	project := "stress-" + uuid.NewString()[:8]
	if _, err := ledger.Ingress(ctx, sec, project, decimal.NewFromInt(initialBalance), "seed", "seed-doc"); err != nil {
		log.Fatalf("failed to fund wallet: %v", err)
	}
	line, err := ledger.CreateBudgetLine(ctx, sec, domain.NewBudgetLineParams{
		BudgetID:       project,
		Code:           "01",
		BudgetedAmount: decimal.NewFromInt(1_000_000),
	})
	if err != nil {
		log.Fatalf("failed to create budget line: %v", err)
	}
	if _, err := ledger.ReceiveMaterial(ctx, sec, project, "cement", decimal.NewFromInt(initialStock), decimal.NewFromInt(10), "seed"); err != nil {
		log.Fatalf("failed to receive stock: %v", err)
	}

	var egress, issue result
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalRequests; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.Egress(ctx, sec, project, decimal.NewFromInt(egressAmount), fmt.Sprintf("egress-%d", n), "invoice")
			egress.record(err, domain.KindInsufficientFunds)
		}(i)
		go func(n int) {
			defer wg.Done()
			_, _, err := ledger.IssueMaterial(ctx, sec, project, "cement", decimal.NewFromInt(1), line.ID, fmt.Sprintf("issue-%d", n))
			issue.record(err, domain.KindInsufficientQuantity)
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	wantEgress := int32(initialBalance / egressAmount)
	wantIssue := int32(initialStock)
	counters := hooks.Snapshot()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:              %s\n", store.Dialect())
	fmt.Printf("Requests per kind:  %d\n", totalRequests)
	fmt.Printf("Egress ok/rejected: %d/%d (failed %d)\n", egress.success.Load(), egress.rejected.Load(), egress.failed.Load())
	fmt.Printf("Issue ok/rejected:  %d/%d (failed %d)\n", issue.success.Load(), issue.rejected.Load(), issue.failed.Load())
	fmt.Printf("Conflicts/retries:  %d/%d\n", counters.Conflicts, counters.Retries)
	fmt.Printf("Duration:           %v\n", elapsed)
	fmt.Println("==========================================")

	ok := true
	ok = check("egress", &egress, wantEgress) && ok
	ok = check("issue", &issue, wantIssue) && ok

	w, err := ledger.Wallet(ctx, project)
	if err != nil {
		log.Fatalf("failed to load wallet: %v", err)
	}
	if w.Balance.IsZero() {
		fmt.Println("PASS: Wallet balance depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected balance 0, got %s\n", w.Balance.StringFixed(domain.Scale))
		ok = false
	}

	p, err := ledger.Position(ctx, project, "cement")
	if err != nil {
		log.Fatalf("failed to load position: %v", err)
	}
	if p.QuantityOnHand.IsZero() {
		fmt.Println("PASS: Stock depleted to 0")
	} else {
		fmt.Printf("FAIL: Expected stock 0, got %s\n", p.QuantityOnHand.StringFixed(domain.Scale))
		ok = false
	}

	if !ok {
		os.Exit(1)
	}
}

func (r *result) record(err error, expected domain.ErrorKind) {
	switch {
	case err == nil:
		r.success.Add(1)
	case domain.IsKind(err, expected):
		r.rejected.Add(1)
	default:
		r.failed.Add(1)
		log.Printf("unexpected error: %v", err)
	}
}

func check(name string, r *result, want int32) bool {
	if r.success.Load() == want && r.rejected.Load() == totalRequests-want && r.failed.Load() == 0 {
		fmt.Printf("PASS: Exactly %d %s operations succeeded, %d rejected\n", want, name, totalRequests-want)
		return true
	}
	fmt.Printf("FAIL: Expected %d %s successes, got %d (rejected %d, failed %d)\n",
		want, name, r.success.Load(), r.rejected.Load(), r.failed.Load())
	return false
}
