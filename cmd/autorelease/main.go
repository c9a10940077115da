// Command autorelease runs a single auto-release sweep and exits.
//
// Deployments that prefer cron over the in-process scheduler run this
// on a schedule instead. Exits non-zero when any release fails so the
// cron job surfaces the failure.
//
// Usage:
//
//	autorelease           # Release all elapsed escrows
//	autorelease -dry-run  # Report what would be released
//	autorelease -limit 50 # Cap the sweep size
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/techfy/escrowpay/internal/bank"
	"github.com/techfy/escrowpay/internal/config"
	"github.com/techfy/escrowpay/internal/escrow"
	"github.com/techfy/escrowpay/internal/gateway"
	"github.com/techfy/escrowpay/internal/logging"
	"github.com/techfy/escrowpay/internal/notify"
	"github.com/techfy/escrowpay/internal/order"
	"github.com/techfy/escrowpay/internal/wallet"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report due escrows without releasing")
	limit := flag.Int("limit", 100, "maximum escrows to release in one sweep")
	timeout := flag.Duration("timeout", 5*time.Minute, "sweep deadline")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open database:", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "connect database:", err)
		os.Exit(1)
	}

	gw := gateway.NewFlutterwaveClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey)
	wallets := wallet.NewService(wallet.NewPostgresStore(db))

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.NotifyHookURL != "" {
		notifier = notify.NewHookNotifier(cfg.NotifyHookURL, cfg.NotifySecret, logger)
	}

	svc := escrow.NewService(
		escrow.NewPostgresStore(db),
		wallets,
		gw,
		order.NewPostgresStore(db),
		bank.NewPostgresStore(db),
		notifier,
		logger,
		escrow.Options{FeeRate: cfg.FeeRate, AutoReleaseDays: cfg.AutoReleaseDays},
	)

	res, err := svc.AutoRelease(ctx, *dryRun, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sweep:", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(out))

	if res.Failed > 0 {
		os.Exit(1)
	}
}
