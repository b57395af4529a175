package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rewired-gh/digitbot/internal/accounts"
	"github.com/rewired-gh/digitbot/internal/bot"
	"github.com/rewired-gh/digitbot/internal/digits"
	"github.com/rewired-gh/digitbot/internal/logger"
)

type digitsHistoryFrame struct {
	Type   string       `json:"type"`
	Symbol string       `json:"symbol"`
	Digits []int        `json:"digits"`
	Stats  digits.Stats `json:"stats"`
}

type newDigitFrame struct {
	Type   string       `json:"type"`
	Symbol string       `json:"symbol"`
	Digit  int          `json:"digit"`
	Quote  float64      `json:"quote"`
	Epoch  int64        `json:"epoch"`
	Stats  digits.Stats `json:"stats"`
}

func (s *Server) handleHealth(c *gin.Context) {
	connected := false
	if s.deps.Upstream != nil {
		connected = s.deps.Upstream.Connected()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"upstream_connected": connected,
		"digit_clients":      s.digitsHub.ClientCount(),
		"event_clients":      s.eventsHub.ClientCount(),
		"time":               time.Now().UTC(),
	})
}

// handlePrimaryData serves the aggregate for the primary symbol as a bare
// JSON object.
func (s *Server) handlePrimaryData(c *gin.Context) {
	sum, ok := s.deps.Digits.Summary(s.cfg.PrimarySymbol, s.cfg.HistoryDigits)
	if !ok {
		errorResponse(c, http.StatusServiceUnavailable, "no ticks received yet for "+s.cfg.PrimarySymbol)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleSymbols(c *gin.Context) {
	successResponse(c, gin.H{"symbols": s.deps.Digits.Symbols()})
}

func (s *Server) handleDigits(c *gin.Context) {
	symbol := c.Param("symbol")
	n := s.cfg.HistoryDigits
	if raw := c.Query("count"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			errorResponse(c, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		n = v
	}
	sum, ok := s.deps.Digits.Summary(symbol, n)
	if !ok {
		errorResponse(c, http.StatusNotFound, "unknown symbol "+symbol)
		return
	}
	successResponse(c, sum)
}

func (s *Server) handleDigitsWS(c *gin.Context) {
	symbol := c.DefaultQuery("symbol", s.cfg.PrimarySymbol)
	stats, _ := s.deps.Digits.Stats(symbol)
	stats.Symbol = symbol
	greeting, err := json.Marshal(digitsHistoryFrame{
		Type:   "digits_history",
		Symbol: symbol,
		Digits: s.deps.Digits.Digits(symbol, s.cfg.HistoryDigits),
		Stats:  stats,
	})
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.digitsHub.serve(c.Writer, c.Request, s.upgrader, symbol, greeting); err != nil {
		logger.Warn("Failed to upgrade /ws-digits connection: %v", err)
	}
}

func (s *Server) handleEventsWS(c *gin.Context) {
	if err := s.eventsHub.serve(c.Writer, c.Request, s.upgrader, "", nil); err != nil {
		logger.Warn("Failed to upgrade /ws-events connection: %v", err)
	}
}

func (s *Server) handleBotStatus(c *gin.Context) {
	successResponse(c, s.deps.Bot.Status())
}

type startRequest struct {
	StrategyID string `json:"strategy_id"`
}

// handleBotStart loads the requested strategy, or reloads the current one
// so saved parameter changes take effect, then starts a session.
func (s *Server) handleBotStart(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
			return
		}
	}
	id := req.StrategyID
	if id == "" {
		id = s.deps.Bot.Status().Strategy
	}
	if id != "" {
		st, err := s.deps.Strategies.Load(c.Request.Context(), id)
		if err != nil {
			errorResponse(c, statusFor(err), err.Error())
			return
		}
		if err := s.deps.Bot.SetStrategy(st); err != nil {
			errorResponse(c, statusFor(err), err.Error())
			return
		}
	}
	if err := s.deps.Bot.Start(); err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, s.deps.Bot.Status())
}

func (s *Server) handleBotStop(c *gin.Context) {
	if err := s.deps.Bot.Stop("stopped from dashboard"); err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, s.deps.Bot.Status())
}

func (s *Server) botAction(action func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := action(); err != nil {
			errorResponse(c, statusFor(err), err.Error())
			return
		}
		successResponse(c, s.deps.Bot.Status())
	}
}

func (s *Server) handleListStrategies(c *gin.Context) {
	ids, err := s.deps.Strategies.IDs(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"strategies": ids})
}

func (s *Server) handleGetStrategy(c *gin.Context) {
	st, err := s.deps.Strategies.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		errorResponse(c, statusFor(err), err.Error())
		return
	}
	successResponse(c, st)
}

func (s *Server) handlePutStrategy(c *gin.Context) {
	var st bot.ThresholdStrategy
	if err := c.ShouldBindJSON(&st); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	st.ID = c.Param("id")
	if err := st.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Strategies.Save(c.Request.Context(), &st); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, st)
}

func (s *Server) handleAccounts(c *gin.Context) {
	list, err := s.deps.Accounts.Accounts(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"accounts": list,
		"active":   s.deps.Session.Account(),
		"balance":  s.deps.Session.Balance(),
	})
}

type switchRequest struct {
	LoginID string `json:"loginid" binding:"required"`
}

func (s *Server) handleSwitchAccount(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	if err := s.deps.Session.SwitchAccount(c.Request.Context(), req.LoginID); err != nil {
		errorResponse(c, sessionStatus(err), err.Error())
		return
	}
	successResponse(c, gin.H{"active": s.deps.Session.Account()})
}

type tokenRequest struct {
	Name string `json:"name"`
}

// handleCreateToken replaces the session's login token with a long-lived
// API token.
func (s *Server) handleCreateToken(c *gin.Context) {
	var req tokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, "Invalid request: "+err.Error())
			return
		}
	}
	if req.Name == "" {
		req.Name = "digitbot"
	}
	if !validTokenName(req.Name) {
		errorResponse(c, http.StatusBadRequest, "name must be 2-32 letters, digits or underscores")
		return
	}
	acct, err := s.deps.Session.CreateAPIToken(c.Request.Context(), req.Name)
	if err != nil {
		errorResponse(c, sessionStatus(err), err.Error())
		return
	}
	successResponse(c, gin.H{"active": acct})
}

// validTokenName follows Deriv's api_token naming rule.
func validTokenName(name string) bool {
	if len(name) < 2 || len(name) > 32 {
		return false
	}
	for _, r := range name {
		if r != '_' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func (s *Server) handleRemoveAccount(c *gin.Context) {
	loginID := c.Param("loginid")
	if err := s.deps.Session.RemoveAccount(c.Request.Context(), loginID); err != nil {
		errorResponse(c, sessionStatus(err), err.Error())
		return
	}
	successResponse(c, gin.H{"removed": loginID})
}

func (s *Server) handleCashier(c *gin.Context) {
	action := c.DefaultQuery("action", "deposit")
	if action != "deposit" && action != "withdraw" {
		errorResponse(c, http.StatusBadRequest, "action must be deposit or withdraw")
		return
	}
	u, err := s.deps.Session.CashierURL(c.Request.Context(), action, c.Query("verification_code"))
	if err != nil {
		errorResponse(c, sessionStatus(err), err.Error())
		return
	}
	successResponse(c, gin.H{"action": action, "url": u})
}

func (s *Server) handleOAuthURL(c *gin.Context) {
	successResponse(c, gin.H{"url": accounts.AuthorizeURL(s.cfg.AppID, s.cfg.Language)})
}

func (s *Server) handleOAuthCallback(c *gin.Context) {
	acct, err := s.deps.Session.HandleOAuth(c.Request.Context(), c.Request.URL.Query())
	if err != nil {
		status := sessionStatus(err)
		if errors.Is(err, accounts.ErrInvalidCallback) {
			status = http.StatusBadRequest
		}
		errorResponse(c, status, err.Error())
		return
	}
	successResponse(c, gin.H{"active": acct})
}

func (s *Server) handleContracts(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			errorResponse(c, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	list, err := s.deps.Contracts.RecentContracts(limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	now := time.Now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	sum, err := s.deps.Contracts.SummarizeContracts(day)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"contracts": list, "today": sum})
}

func (s *Server) handleSellContract(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		errorResponse(c, http.StatusBadRequest, "contract id must be a positive integer")
		return
	}
	receipt, err := s.deps.Bot.Sell(c.Request.Context(), id)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, bot.ErrNoOpenContract) {
			status = http.StatusNotFound
		}
		errorResponse(c, status, err.Error())
		return
	}
	successResponse(c, receipt)
}
