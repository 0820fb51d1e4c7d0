// Command reaper runs the hold sweep as a standalone worker.  Deployments
// that scale the API horizontally run exactly one reaper instead of a sweep
// goroutine per API replica.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/escaperoomhq/booking/internal/catalog"
	"github.com/escaperoomhq/booking/internal/config"
	"github.com/escaperoomhq/booking/internal/database"
	"github.com/escaperoomhq/booking/internal/engine"
	mysqlstore "github.com/escaperoomhq/booking/internal/store/mysql"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	eng := engine.New(
		mysqlstore.New(db),
		catalog.NewRepo(db),
		engine.WithGrace(cfg.HoldGrace),
		engine.WithMaxTTL(cfg.MaxHoldTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("reaper running every %s", cfg.ReaperInterval)
	eng.RunReaper(ctx, cfg.ReaperInterval)
	log.Printf("reaper stopped")
}
