package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"signaltrader/internal/executor"
	"signaltrader/internal/logger"
	"signaltrader/internal/store"
	"signaltrader/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const defaultExchange = "binance"

// maxWebhookBody bounds signal payloads; anything larger is junk.
const maxWebhookBody = 1 << 16

// handleWebhook ingests a signal payload addressed by webhook token. The
// payload shape is whatever the signal source sends; only action and symbol
// are required, so it is read loosely with gjson instead of a fixed struct.
// Every received event is audited before the auto-trading gate is applied.
func (s *Server) handleWebhook(c *gin.Context) {
	user, err := s.store.GetUserByWebhookToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "invalid webhook token"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil || !gjson.ValidBytes(body) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}
	payload := gjson.ParseBytes(body)
	action := strings.ToLower(payload.Get("action").String())
	symbol := strings.ToUpper(payload.Get("symbol").String())
	if action == "" || symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action and symbol are required"})
		return
	}

	ev := &store.WebhookEvent{
		UserID: user.ID,
		Action: action,
		Symbol: symbol,
		Price:  payload.Get("price").String(),
	}
	if err := s.store.AppendWebhookEvent(c.Request.Context(), ev); err != nil {
		logger.Warnf("http: webhook event not recorded for user %s: %v", user.ID, err)
	}

	settings, err := s.store.GetSettings(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !settings.AutoTradingEnabled {
		c.JSON(http.StatusOK, gin.H{
			"status":  "skipped",
			"message": "auto trading is disabled",
		})
		return
	}

	intent := executor.Intent{
		UserID:   user.ID,
		Symbol:   symbol,
		Side:     action,
		Size:     settings.DefaultPositionSize,
		Exchange: defaultExchange,
	}
	if sz := payload.Get("size"); sz.Exists() {
		intent.Size = sz.Float()
	}
	if ex := payload.Get("exchange"); ex.Exists() {
		intent.Exchange = strings.ToLower(ex.String())
	}
	if pr := payload.Get("price"); pr.Exists() {
		price := pr.Float()
		intent.Price = &price
	}

	jobID, err := s.pool.EnqueueExecute(intent)
	if err != nil {
		s.enqueueError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "job_id": jobID})
}

type orderRequest struct {
	UserID   string   `json:"user_id" binding:"required"`
	Symbol   string   `json:"symbol" binding:"required"`
	Side     string   `json:"side" binding:"required"`
	Size     float64  `json:"size" binding:"required"`
	Price    *float64 `json:"price"`
	Exchange string   `json:"exchange"`
}

func (s *Server) handleExecuteOrder(c *gin.Context) {
	var req orderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Exchange == "" {
		req.Exchange = defaultExchange
	}
	jobID, err := s.pool.EnqueueExecute(executor.Intent{
		UserID:   req.UserID,
		Symbol:   strings.ToUpper(req.Symbol),
		Side:     strings.ToLower(req.Side),
		Size:     req.Size,
		Price:    req.Price,
		Exchange: strings.ToLower(req.Exchange),
	})
	if err != nil {
		s.enqueueError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "job_id": jobID})
}

type closeRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Symbol   string `json:"symbol" binding:"required"`
	Exchange string `json:"exchange"`
}

func (s *Server) handleClosePosition(c *gin.Context) {
	var req closeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Exchange == "" {
		req.Exchange = defaultExchange
	}
	jobID, err := s.pool.EnqueueClose(req.UserID, strings.ToUpper(req.Symbol), strings.ToLower(req.Exchange), 0)
	if err != nil {
		s.enqueueError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "job_id": jobID})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	state, ok := s.pool.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) enqueueError(c *gin.Context, err error) {
	if errors.Is(err, worker.ErrQueueFull) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue full, retry later"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	if _, err := s.store.GetUser(c.Request.Context(), c.Param("user")); err != nil {
		s.userError(c, err)
		return
	}
	settings, err := s.store.GetSettings(c.Request.Context(), c.Param("user"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settingsView(settings))
}

type settingsUpdate struct {
	AutoTradingEnabled  *bool    `json:"auto_trading_enabled"`
	TradingMode         *string  `json:"trading_mode"`
	Slippage            *float64 `json:"slippage"`
	StopLossPercent     *float64 `json:"stop_loss_percent"`
	TakeProfitPercent   *float64 `json:"take_profit_percent"`
	DefaultPositionSize *float64 `json:"default_position_size"`
	PaperTradingEnabled *bool    `json:"paper_trading_enabled"`
	TrailingStopEnabled *bool    `json:"trailing_stop_enabled"`
	TrailingStopPercent *float64 `json:"trailing_stop_percent"`
	EnableNotifications *bool    `json:"enable_notifications"`
	NotificationEmail   *string  `json:"notification_email"`
	TieredTPEnabled     *bool    `json:"tiered_tp_enabled"`
	TieredTPLevels      *string  `json:"tiered_tp_levels"`
}

// handleUpdateSettings applies a partial update. Tiered take-profit levels
// arrive as a JSON document and are schema-validated before they are stored,
// so the column never holds a malformed document.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	if _, err := s.store.GetUser(c.Request.Context(), c.Param("user")); err != nil {
		s.userError(c, err)
		return
	}
	var upd settingsUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settings, err := s.store.GetSettings(c.Request.Context(), c.Param("user"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if upd.TieredTPLevels != nil {
		if err := validateTieredTPLevels(*upd.TieredTPLevels); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		settings.TieredTPLevels = *upd.TieredTPLevels
	}
	applySettingsUpdate(settings, &upd)

	if err := s.store.SaveSettings(c.Request.Context(), settings); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settingsView(settings))
}

func applySettingsUpdate(st *store.Settings, upd *settingsUpdate) {
	if upd.AutoTradingEnabled != nil {
		st.AutoTradingEnabled = *upd.AutoTradingEnabled
	}
	if upd.TradingMode != nil {
		st.TradingMode = *upd.TradingMode
	}
	if upd.Slippage != nil {
		st.Slippage = *upd.Slippage
	}
	if upd.StopLossPercent != nil {
		st.StopLossPercent = *upd.StopLossPercent
	}
	if upd.TakeProfitPercent != nil {
		st.TakeProfitPercent = *upd.TakeProfitPercent
	}
	if upd.DefaultPositionSize != nil {
		st.DefaultPositionSize = *upd.DefaultPositionSize
	}
	if upd.PaperTradingEnabled != nil {
		st.PaperTradingEnabled = *upd.PaperTradingEnabled
	}
	if upd.TrailingStopEnabled != nil {
		st.TrailingStopEnabled = *upd.TrailingStopEnabled
	}
	if upd.TrailingStopPercent != nil {
		st.TrailingStopPercent = *upd.TrailingStopPercent
	}
	if upd.EnableNotifications != nil {
		st.EnableNotifications = *upd.EnableNotifications
	}
	if upd.NotificationEmail != nil {
		st.NotificationEmail = *upd.NotificationEmail
	}
	if upd.TieredTPEnabled != nil {
		st.TieredTPEnabled = *upd.TieredTPEnabled
	}
}

func settingsView(st *store.Settings) gin.H {
	return gin.H{
		"user_id":               st.UserID,
		"auto_trading_enabled":  st.AutoTradingEnabled,
		"trading_mode":          st.TradingMode,
		"slippage":              st.Slippage,
		"stop_loss_percent":     st.StopLossPercent,
		"take_profit_percent":   st.TakeProfitPercent,
		"default_position_size": st.DefaultPositionSize,
		"paper_trading_enabled": st.PaperTradingEnabled,
		"trailing_stop_enabled": st.TrailingStopEnabled,
		"trailing_stop_percent": st.TrailingStopPercent,
		"enable_notifications":  st.EnableNotifications,
		"notification_email":    st.NotificationEmail,
		"tiered_tp_enabled":     st.TieredTPEnabled,
		"tiered_tp_levels":      st.TieredTPLevels,
	}
}

type credentialsRequest struct {
	Exchange  string `json:"exchange" binding:"required"`
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

func (s *Server) handlePutCredentials(c *gin.Context) {
	if _, err := s.store.GetUser(c.Request.Context(), c.Param("user")); err != nil {
		s.userError(c, err)
		return
	}
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.vault.Put(c.Request.Context(), c.Param("user"), strings.ToLower(req.Exchange), req.APIKey, req.APISecret); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stored", "exchange": strings.ToLower(req.Exchange)})
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.reporter.Check(c.Request.Context())
	code := http.StatusOK
	if report.Status != "success" {
		code = http.StatusInternalServerError
	}
	c.JSON(code, report)
}

func (s *Server) userError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
