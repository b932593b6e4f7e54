package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/papermarket/trading-api/internal/auth"
	"github.com/papermarket/trading-api/internal/catalog"
	"github.com/papermarket/trading-api/internal/config"
	"github.com/papermarket/trading-api/internal/database"
	"github.com/papermarket/trading-api/internal/expiry"
	"github.com/papermarket/trading-api/internal/margin"
	"github.com/papermarket/trading-api/internal/oracle"
	"github.com/papermarket/trading-api/internal/orders"
	"github.com/papermarket/trading-api/internal/position"
	"github.com/papermarket/trading-api/internal/safety"
	"github.com/papermarket/trading-api/internal/types"
	"github.com/papermarket/trading-api/internal/wallet"
	"github.com/papermarket/trading-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures application logging. Development mode gets pretty
// printing; DEBUG=true enables debug level.
func init() {
	if os.Getenv("PAPER_ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the paper-trading services together and runs the API server
// with graceful shutdown.
func main() {
	cfg, err := config.Load(os.Getenv("PAPER_CONFIG"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	authService := auth.NewService(cfg.Auth.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Demo credentials for non-production environments.
	if cfg.Server.Env != "production" {
		authService.RegisterAPICredentials("demo-key", "demo-secret", "USER_DEMO", false)
		authService.RegisterAPICredentials("admin-key", "admin-secret", "USER_ADMIN", true)
	}

	catalogService := catalog.NewService(db)
	catalogHandlers := catalog.NewGinHandlers(catalogService)

	oracleService := oracle.NewService(catalogService, cfg.Market.SimulateQuotes)
	oracleHandlers := oracle.NewGinHandlers(oracleService)
	marginService := margin.NewService(oracleService, cfg.Margin)
	safetyService := safety.NewService(oracleService, cfg.Market, cfg.Margin)

	walletService := wallet.NewService(db, cfg.Wallet.OpeningBalance)
	walletHandlers := wallet.NewGinHandlers(walletService)

	positionService := position.NewService(db)
	positionHandlers := position.NewGinHandlers(positionService)

	orderService := orders.NewService(db, catalogService, safetyService, marginService, walletService, positionService, cfg)
	orderHandlers := orders.NewGinHandlers(orderService)

	// Warm the catalog index before serving. A failure here is not fatal:
	// lookups retry initialization on demand.
	warmCtx, warmCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if cfg.Server.Env != "production" {
		if err := seedDemoInstruments(warmCtx, catalogService); err != nil {
			zlog.Warn().Err(err).Msg("Failed to seed demo instruments")
		}
	}
	if err := catalogService.EnsureInitialized(warmCtx); err != nil {
		zlog.Warn().Err(err).Msg("Catalog warm-up failed, will retry on first lookup")
	}
	warmCancel()

	// Background workers: order sweeper, expiry settlement and, outside
	// production, the synthetic quote feed.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := orders.NewSweeper(orderService, 5*time.Second)
	go sweeper.Start(workerCtx)

	coordinator := expiry.NewCoordinator(db, orderService, catalogService, time.Minute)
	go coordinator.Start(workerCtx)

	if cfg.Market.SimulateQuotes {
		go oracleService.StartSimulation(workerCtx, catalogService.ActiveTokens, 2*time.Second)
	}

	router.Use(middleware.RateLimit())

	setupRoutes(router, cfg, authHandlers, catalogHandlers, oracleHandlers, orderHandlers, positionHandlers, walletHandlers, coordinator)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	workerCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints:
//   - Auth routes: public token generation
//   - Instrument routes: public search and lookup
//   - Order, position and wallet routes: JWT protected
//   - Internal routes: admin claim required
func setupRoutes(
	router *gin.Engine,
	cfg config.Config,
	authHandlers *auth.GinHandlers,
	catalogHandlers *catalog.GinHandlers,
	oracleHandlers *oracle.GinHandlers,
	orderHandlers *orders.GinHandlers,
	positionHandlers *position.GinHandlers,
	walletHandlers *wallet.GinHandlers,
	coordinator *expiry.Coordinator,
) {
	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		instruments := v1.Group("/instruments")
		{
			instruments.GET("/search", catalogHandlers.SearchHandler())
			instruments.GET("/:token", catalogHandlers.LookupHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(cfg.Auth.JWTSecret))
		{
			protected.POST("/orders", orderHandlers.PlaceOrderHandler())
			protected.GET("/orders", orderHandlers.ListOrdersHandler())
			protected.GET("/orders/:order_id", orderHandlers.GetOrderHandler())
			protected.DELETE("/orders/:order_id", orderHandlers.CancelOrderHandler())

			protected.GET("/positions", positionHandlers.ListPositionsHandler())

			protected.GET("/wallet", walletHandlers.GetWalletHandler())
			protected.GET("/wallet/transactions", walletHandlers.ListTransactionsHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.AdminAuth(cfg.Auth.JWTSecret))
		{
			internal.POST("/instruments/reload", catalogHandlers.ReloadHandler())
			internal.POST("/quotes", oracleHandlers.PushQuoteHandler())
			internal.POST("/wallet/recalculate", walletHandlers.RecalculateHandler())
			internal.POST("/expiry/settle", func(c *gin.Context) {
				if err := coordinator.SettleOnce(c.Request.Context()); err != nil {
					c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
					return
				}
				c.JSON(http.StatusOK, gin.H{"success": true})
			})
		}
	}
}

// seedDemoInstruments loads a small tradable universe so a fresh
// development database is usable immediately.
func seedDemoInstruments(ctx context.Context, catalogService *catalog.Service) error {
	nextThursday := time.Now().AddDate(0, 0, int((time.Thursday-time.Now().Weekday()+7)%7)+7)
	expiryAt := time.Date(nextThursday.Year(), nextThursday.Month(), nextThursday.Day(), 15, 30, 0, 0, time.Local)

	seed := []types.Instrument{
		{Token: 738561, TradingSymbol: "RELIANCE", UnderlyingName: "RELIANCE", InstrumentType: types.InstrumentEquity, Segment: "NSE", LotSize: 1, TickSize: 0.05, LastPrice: 2500, IsActive: true},
		{Token: 408065, TradingSymbol: "INFY", UnderlyingName: "INFY", InstrumentType: types.InstrumentEquity, Segment: "NSE", LotSize: 1, TickSize: 0.05, LastPrice: 1450, IsActive: true},
		{Token: 256265, TradingSymbol: "NIFTY 50", UnderlyingName: "NIFTY", InstrumentType: types.InstrumentIndex, Segment: "INDICES", LastPrice: 22000, IsActive: true},
		{Token: 53001, TradingSymbol: "NIFTY24SEPFUT", UnderlyingName: "NIFTY", InstrumentType: types.InstrumentFuture, Segment: "NFO-FUT", LotSize: 50, TickSize: 0.05, Expiry: &expiryAt, LastPrice: 22050, IsActive: true},
		{Token: 53002, TradingSymbol: "NIFTY24SEP22000CE", UnderlyingName: "NIFTY", InstrumentType: types.InstrumentOption, Segment: "NFO-OPT", LotSize: 50, TickSize: 0.05, Strike: 22000, Expiry: &expiryAt, LastPrice: 180, IsActive: true},
		{Token: 53003, TradingSymbol: "NIFTY24SEP22000PE", UnderlyingName: "NIFTY", InstrumentType: types.InstrumentOption, Segment: "NFO-OPT", LotSize: 50, TickSize: 0.05, Strike: 22000, Expiry: &expiryAt, LastPrice: 150, IsActive: true},
	}
	return catalogService.Upsert(ctx, seed)
}
