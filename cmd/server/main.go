package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/escaperoomhq/booking/internal/catalog"
	"github.com/escaperoomhq/booking/internal/config"
	"github.com/escaperoomhq/booking/internal/database"
	"github.com/escaperoomhq/booking/internal/engine"
	"github.com/escaperoomhq/booking/internal/handler"
	"github.com/escaperoomhq/booking/internal/middleware"
	"github.com/escaperoomhq/booking/internal/queue"
	"github.com/escaperoomhq/booking/internal/repository"
	"github.com/escaperoomhq/booking/internal/router"
	mysqlstore "github.com/escaperoomhq/booking/internal/store/mysql"
)

func main() {
	// .env is optional; real deployments set variables directly.
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

	users := repository.NewUserRepo(db)
	tokens := repository.NewTokenRepo(db)

	// Rate limiting degrades to a no-op when Redis is unreachable.
	var limiter echo.MiddlewareFunc
	if rdb := config.NewRedisClient(); rdb != nil {
		limiter = middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb)
	} else {
		log.Printf("redis unavailable, rate limiting disabled")
	}

	e := echo.New()
	e.HideBanner = true
	router.RegisterRoutes(e)
	router.RegisterAuth(e, handler.NewAuthHandler(cfg, users, tokens))
	router.RegisterHolds(e, handler.NewHoldHandler(eng, true), cfg.JWTSecret, limiter)
	router.RegisterOps(e, handler.NewOpsHandler(eng), cfg.JWTSecret)

	// Background workers share the process in the single-binary deployment.
	// cmd/reaper runs the sweep standalone when the API is scaled out.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.RunReaper(ctx, cfg.ReaperInterval)
	go func() {
		if err := queue.StartBookingConsumer(); err != nil {
			log.Printf("booking consumer stopped: %v", err)
		}
	}()

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)
	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
