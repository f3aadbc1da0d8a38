package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	appcart "github.com/jihanki-shop/jihanki/internal/application/cart"
	appconfirm "github.com/jihanki-shop/jihanki/internal/application/confirm"
	apppurchase "github.com/jihanki-shop/jihanki/internal/application/purchase"
	"github.com/jihanki-shop/jihanki/internal/domain/shop"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/eventbus"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/grant"
	httptransport "github.com/jihanki-shop/jihanki/internal/infrastructure/http"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/id"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/memory"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/notify"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/observability/oteltrace"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/observability/prometrics"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/observability/telemetry"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/observability/zaplogger"
	"github.com/jihanki-shop/jihanki/internal/infrastructure/pgstore"
	"github.com/jihanki-shop/jihanki/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	serviceName := getenvDefault("SERVICE_NAME", "jihanki")
	env := getenvDefault("ENV", "dev")
	addr := getenvDefault("ADDR", ":8080")

	baseLogger := zaplogger.New(
		observability.F("service", serviceName),
		observability.F("env", env),
	)
	defer func() {
		if s, ok := baseLogger.(interface{ Sync() error }); ok {
			_ = s.Sync()
		}
	}()

	registry := prometrics.New(serviceName, "")
	counters := map[observability.MetricKey]observability.Counter{
		observability.MUsecaseRequests: registry.Counter(
			string(observability.MUsecaseRequests),
			"Total number of use case invocations.",
			"use_case", "outcome",
		),
		observability.MPurchases: registry.Counter(
			string(observability.MPurchases),
			"Total number of purchase executions.",
			"outcome",
		),
		observability.MEntitlementGrants: registry.Counter(
			string(observability.MEntitlementGrants),
			"Total number of entitlement grant attempts.",
			"outcome",
		),
		observability.MPurchaseNotifications: registry.Counter(
			string(observability.MPurchaseNotifications),
			"Total number of purchase announcements.",
		),
		observability.MConfirmationResolutions: registry.Counter(
			string(observability.MConfirmationResolutions),
			"Total number of confirmation session resolutions.",
			"outcome",
		),
	}
	histograms := map[observability.MetricKey]observability.Histogram{
		observability.MUsecaseDuration: registry.Histogram(
			string(observability.MUsecaseDuration),
			"Duration of use case execution in seconds.",
			prometheus.DefBuckets,
			"use_case",
		),
	}
	tel := telemetry.New(oteltrace.New(serviceName), baseLogger, counters, histograms)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		items    shop.ItemRepository
		accounts shop.AccountRepository
		txLog    shop.TransactionLog
		atomic   apppurchase.Atomic
	)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		store, err := pgstore.New(ctx, dsn)
		if err != nil {
			baseLogger.Error("pgstore_init_failed", observability.F("error", err))
			os.Exit(1)
		}
		defer store.Close()
		if err := store.Bootstrap(ctx); err != nil {
			baseLogger.Error("pgstore_bootstrap_failed", observability.F("error", err))
			os.Exit(1)
		}
		items = store.Items()
		accounts = store.Accounts()
		txLog = store.Transactions()
		atomic = store
	} else {
		items = memory.NewItemRepository()
		accounts = memory.NewAccountRepository()
		txLog = memory.NewTransactionLog()
	}

	if getenvDefault("SEED_ITEMS", "false") == "true" {
		seedItems(ctx, items, baseLogger)
	}

	bus := eventbus.NewBus(baseLogger)
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	notifyWorker := notify.New(bus, tel)
	notifyWorker.Start()

	grantFailRate, _ := strconv.ParseFloat(getenvDefault("GRANT_FAIL_RATE", "0"), 64)
	granter := grant.New(grantFailRate, baseLogger)
	idGenerator := id.NewUUIDGenerator()

	executor := apppurchase.NewService(items, accounts, txLog, atomic, granter, idGenerator, bus, tel)
	sessions := appconfirm.NewService(executor, idGenerator, tel)
	defer sessions.Close()
	carts := appcart.NewService(baseLogger)

	handler := httptransport.NewHandler(carts, sessions, items, accounts, txLog, idGenerator)
	rootMux := http.NewServeMux()
	rootMux.Handle("/metrics", promhttp.Handler())
	rootMux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:    addr,
		Handler: rootMux,
	}

	go func() {
		baseLogger.Info("http_server_start",
			observability.F("addr", server.Addr),
		)
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			baseLogger.Error("http_server_error",
				observability.F("error", err),
			)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		baseLogger.Error("http_server_shutdown_error",
			observability.F("error", err),
		)
	} else {
		baseLogger.Info("http_server_stopped")
	}
}

// seedItems loads a small demo catalogue, the way the original bot shipped
// with a few vending-machine entries.
func seedItems(ctx context.Context, items shop.ItemRepository, logger observability.Logger) {
	demo := []*shop.Item{
		{ID: "cola", Name: "Cola", Price: 120, Stock: 24, IsActive: true},
		{ID: "coffee", Name: "Canned Coffee", Price: 150, Stock: 12, IsActive: true},
		{ID: "vip", Name: "VIP Role", Price: 5000, InfiniteStock: true, IsActive: true, GrantRef: "role:vip"},
	}
	for _, item := range demo {
		item.UpdatedAt = time.Now().UTC()
		if err := items.Save(ctx, item); err != nil {
			logger.Warn("seed_item_failed",
				observability.F("item_id", item.ID),
				observability.F("error", err),
			)
		}
	}
	logger.Info("items_seeded", observability.F("count", len(demo)))
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
