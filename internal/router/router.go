// Package router wires HTTP routes to their handlers and middleware.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/escaperoomhq/booking/internal/handler"
	"github.com/escaperoomhq/booking/internal/middleware"
)

// RegisterRoutes registers routes that do not require authentication.
// Currently it exposes only a health check used by load balancers.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterAuth registers the authentication endpoints under /v1/auth.
// These operate on refresh tokens in the request body and never require
// an access token themselves.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)
}

// RegisterHolds registers the hold and booking lifecycle under /v1.  All
// routes require a valid access token; the org claim inside it scopes what
// the caller can see.  STAFF covers human operators at the desk, SERVICE
// covers machine clients such as the online checkout.
func RegisterHolds(e *echo.Echo, h *handler.HoldHandler, jwtSecret string, limiter echo.MiddlewareFunc) {
	g := e.Group("/v1")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole("STAFF", "SERVICE"))
	if limiter != nil {
		g.Use(limiter)
	}

	g.POST("/holds", h.Create)
	g.GET("/holds/:id", h.Get)
	g.POST("/holds/:id/extend", h.Extend)
	g.DELETE("/holds/:id", h.Cancel)
	g.POST("/holds/:id/confirm", h.Confirm)
	g.GET("/bookings/:id", h.GetBooking)
}

// RegisterOps registers operational endpoints under /v1/ops.  Restricted
// to STAFF; the manual sweep mutates shared state and is not something a
// machine client should trigger.
func RegisterOps(e *echo.Echo, o *handler.OpsHandler, jwtSecret string) {
	g := e.Group("/v1/ops")
	g.Use(middleware.JWTAuth(jwtSecret))
	g.Use(middleware.RequireRole("STAFF"))

	g.GET("/holds/active", o.ActiveHolds)
	g.POST("/sweep", o.Sweep)
}
