// Package server exposes the dashboard HTTP API and the WebSocket
// broadcast channels.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rewired-gh/digitbot/internal/accounts"
	"github.com/rewired-gh/digitbot/internal/bot"
	"github.com/rewired-gh/digitbot/internal/deriv"
	"github.com/rewired-gh/digitbot/internal/digits"
	"github.com/rewired-gh/digitbot/internal/events"
	"github.com/rewired-gh/digitbot/internal/logger"
	"github.com/rewired-gh/digitbot/internal/models"
	"github.com/rewired-gh/digitbot/internal/session"
	"github.com/rewired-gh/digitbot/internal/storage"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DigitSource serves digit statistics.
type DigitSource interface {
	Summary(symbol string, historyDigits int) (digits.Summary, bool)
	Digits(symbol string, n int) []int
	Stats(symbol string) (digits.Stats, bool)
	Symbols() []string
}

// BotAPI is the bot control surface.
type BotAPI interface {
	Status() bot.Status
	Start() error
	Stop(reason string) error
	Pause() error
	Resume() error
	Reset() error
	SetStrategy(s bot.Strategy) error
	Sell(ctx context.Context, contractID int64) (*deriv.SellReceipt, error)
}

// StrategyRepo loads and saves strategy parameters.
type StrategyRepo interface {
	Load(ctx context.Context, id string) (*bot.ThresholdStrategy, error)
	Save(ctx context.Context, st *bot.ThresholdStrategy) error
	IDs(ctx context.Context) ([]string, error)
}

// SessionAPI is the account session surface.
type SessionAPI interface {
	Account() models.Account
	Balance() decimal.Decimal
	SwitchAccount(ctx context.Context, loginID string) error
	HandleOAuth(ctx context.Context, values url.Values) (models.Account, error)
	CreateAPIToken(ctx context.Context, name string) (models.Account, error)
	CashierURL(ctx context.Context, action, verificationCode string) (string, error)
	RemoveAccount(ctx context.Context, loginID string) error
}

// AccountStore lists stored accounts.
type AccountStore interface {
	Accounts(ctx context.Context) ([]models.Account, error)
}

// ContractStore reads contract history.
type ContractStore interface {
	RecentContracts(n int) ([]*models.Contract, error)
	SummarizeContracts(since time.Time) (*storage.ContractSummary, error)
}

// Upstream reports the Deriv connection state.
type Upstream interface {
	Connected() bool
}

// TickFeed delivers accepted ticks to listeners.
type TickFeed interface {
	OnUpdate(l digits.Listener)
}

// EventFeed delivers every bus event to a handler.
type EventFeed interface {
	SubscribeAll(h events.Handler)
}

// Deps are the components behind the API. Upstream may be nil.
type Deps struct {
	Digits     DigitSource
	Bot        BotAPI
	Strategies StrategyRepo
	Session    SessionAPI
	Accounts   AccountStore
	Contracts  ContractStore
	Upstream   Upstream
}

// Config holds server parameters.
type Config struct {
	ListenAddr     string
	Mode           string
	AllowedOrigins []string
	HistoryDigits  int
	// PrimarySymbol backs /api/v1/r100-data and is the /ws-digits default.
	PrimarySymbol string
	AppID         int
	Language      string
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	digitsHub  *Hub
	eventsHub  *Hub
	upgrader   *websocket.Upgrader
	log        zerolog.Logger
}

// New creates a server and registers its routes.
func New(cfg Config, deps Deps) *Server {
	if cfg.PrimarySymbol == "" {
		cfg.PrimarySymbol = "R_100"
	}
	if cfg.HistoryDigits <= 0 {
		cfg.HistoryDigits = 100
	}
	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		router:    gin.New(),
		digitsHub: NewHub("digits"),
		eventsHub: NewHub("events"),
		log:       logger.Component("http"),
	}
	s.upgrader = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	if len(cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	s.router.Use(cors.New(corsConfig))

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws-digits", s.handleDigitsWS)
	s.router.GET("/ws-events", s.handleEventsWS)
	s.router.GET("/oauth/callback", s.handleOAuthCallback)

	api := s.router.Group("/api/v1")
	api.GET("/r100-data", s.handlePrimaryData)
	api.GET("/digits", s.handleSymbols)
	api.GET("/digits/:symbol", s.handleDigits)

	b := api.Group("/bot")
	b.GET("/status", s.handleBotStatus)
	b.POST("/start", s.handleBotStart)
	b.POST("/stop", s.handleBotStop)
	b.POST("/pause", s.botAction(func() error { return s.deps.Bot.Pause() }))
	b.POST("/resume", s.botAction(func() error { return s.deps.Bot.Resume() }))
	b.POST("/reset", s.botAction(func() error { return s.deps.Bot.Reset() }))

	api.GET("/strategies", s.handleListStrategies)
	api.GET("/strategies/:id", s.handleGetStrategy)
	api.PUT("/strategies/:id", s.handlePutStrategy)

	api.GET("/accounts", s.handleAccounts)
	api.POST("/accounts/switch", s.handleSwitchAccount)
	api.POST("/accounts/token", s.handleCreateToken)
	api.DELETE("/accounts/:loginid", s.handleRemoveAccount)
	api.GET("/oauth/url", s.handleOAuthURL)
	api.GET("/cashier", s.handleCashier)

	api.GET("/contracts", s.handleContracts)
	api.POST("/contracts/:id/sell", s.handleSellContract)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP and the broadcast hubs until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.digitsHub.Run(ctx)
	go s.eventsHub.Run(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server on %s", s.cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to start server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Attach feeds the broadcast hubs from ticks and bus events. Only attach a
// server that will Run, otherwise the hub queues fill with no reader.
func (s *Server) Attach(ticks TickFeed, bus EventFeed) {
	ticks.OnUpdate(s.BroadcastTick)
	bus.SubscribeAll(s.BroadcastEvent)
}

// BroadcastTick sends a new_digit frame to /ws-digits clients.
func (s *Server) BroadcastTick(t models.Tick, stats digits.Stats) {
	s.digitsHub.Broadcast(t.Symbol, newDigitFrame{
		Type:   "new_digit",
		Symbol: t.Symbol,
		Digit:  t.Digit,
		Quote:  t.Quote,
		Epoch:  t.Epoch,
		Stats:  stats,
	})
}

// BroadcastEvent forwards a bus event to /ws-events clients. Ticks are left
// to /ws-digits.
func (s *Server) BroadcastEvent(e events.Event) {
	if e.Type == events.TypeTick {
		return
	}
	s.eventsHub.Broadcast("", e)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		ev := s.log.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// errorResponse writes {"success":false,"error":message}.
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"success": false,
		"error":   message,
	})
}

// successResponse writes {"success":true,"data":data}.
func successResponse(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

// sessionStatus maps account operation errors. Anything unrecognised came
// from Deriv.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, accounts.ErrTokenNotFound):
		return http.StatusNotFound
	case errors.Is(err, bot.ErrContractInFlight), errors.Is(err, session.ErrActiveAccount):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotAuthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bot.ErrInvalidTransition), errors.Is(err, bot.ErrContractInFlight):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
