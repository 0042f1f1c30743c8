package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/promptloom/backend/internal/accounts"
	"github.com/promptloom/backend/internal/auth"
	"github.com/promptloom/backend/internal/credits"
	"github.com/promptloom/backend/internal/events"
	"github.com/promptloom/backend/internal/fingerprint"
	"github.com/promptloom/backend/internal/guestquota"
	"github.com/promptloom/backend/internal/login"
	"github.com/promptloom/backend/internal/ratelimit"
	"github.com/promptloom/backend/internal/settings"
)

const (
	userIDContextKey = "promptloom_user_id"

	limiterMemberFingerprint = "fingerprint"
	limiterMemberAddress     = "address"
)

var (
	errMissingIdentityVerifier = errors.New("identity verifier dependency required")
	errMissingTokenManager     = errors.New("token manager dependency required")
	errMissingCoordinator      = errors.New("login coordinator dependency required")
	errMissingProfiles         = errors.New("profile service dependency required")
	errMissingEngine           = errors.New("settings engine dependency required")
	errMissingGuestLedger      = errors.New("guest ledger dependency required")
	errMissingCreditLedger     = errors.New("credit ledger dependency required")
	errMissingFingerprinter    = errors.New("fingerprint computer dependency required")
	errMissingLimiter          = errors.New("rate limiter dependency required")
	errMissingDispatcher       = errors.New("event dispatcher dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// IdentityVerifier validates the login assertion issued by the identity
// provider.
type IdentityVerifier interface {
	VerifyAssertion(token string) (auth.IdentityClaims, error)
}

// SessionTokenManager issues and validates backend session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	IdentityVerifier IdentityVerifier
	TokenManager     SessionTokenManager
	Coordinator      *login.Coordinator
	Profiles         *accounts.Service
	SettingsEngine   *settings.Engine
	GuestLedger      *guestquota.Ledger
	CreditLedger     *credits.Ledger
	Fingerprinter    *fingerprint.Computer
	GuestLimiter     *ratelimit.Composite
	Dispatcher       *events.Dispatcher
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.IdentityVerifier == nil {
		return nil, errMissingIdentityVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Profiles == nil {
		return nil, errMissingProfiles
	}
	if deps.SettingsEngine == nil {
		return nil, errMissingEngine
	}
	if deps.GuestLedger == nil {
		return nil, errMissingGuestLedger
	}
	if deps.CreditLedger == nil {
		return nil, errMissingCreditLedger
	}
	if deps.Fingerprinter == nil {
		return nil, errMissingFingerprinter
	}
	if deps.GuestLimiter == nil {
		return nil, errMissingLimiter
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:      deps.IdentityVerifier,
		tokens:        deps.TokenManager,
		coordinator:   deps.Coordinator,
		profiles:      deps.Profiles,
		engine:        deps.SettingsEngine,
		guestLedger:   deps.GuestLedger,
		creditLedger:  deps.CreditLedger,
		fingerprinter: deps.Fingerprinter,
		guestLimiter:  deps.GuestLimiter,
		dispatcher:    deps.Dispatcher,
		logger:        logger,
	}

	router.GET("/health", handler.handleHealth)
	router.POST("/auth/login", handler.handleLogin)

	guest := router.Group("/guest")
	guest.POST("/quota", handler.handleGuestQuota)
	guest.POST("/consume", handler.handleGuestConsume)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/settings/sync", handler.handleSettingsSync)
	protected.POST("/settings/resolve", handler.handleSettingsResolve)
	protected.POST("/settings/field", handler.handleSettingsField)
	protected.POST("/credits/deduct", handler.handleCreditsDeduct)
	protected.GET("/credits/account", handler.handleCreditsAccount)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	verifier      IdentityVerifier
	tokens        SessionTokenManager
	coordinator   *login.Coordinator
	profiles      *accounts.Service
	engine        *settings.Engine
	guestLedger   *guestquota.Ledger
	creditLedger  *credits.Ledger
	fingerprinter *fingerprint.Computer
	guestLimiter  *ratelimit.Composite
	dispatcher    *events.Dispatcher
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequestPayload struct {
	IdentityToken string `json:"identity_token"`
	DeviceID      string `json:"device_id"`
	Policy        string `json:"policy"`
}

type loginResponsePayload struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
	Outcome     login.Outcome `json:"outcome"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IdentityToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.VerifyAssertion(request.IdentityToken)
	if err != nil {
		h.logger.Warn("identity assertion rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := settings.NewUserID(claims.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	if _, err := h.profiles.RecordLogin(claims); err != nil {
		h.logger.Error("profile bookkeeping failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	policy, err := settings.ParseResolutionPolicy(request.Policy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), userID.String())
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	outcome, err := h.coordinator.HandleLogin(c.Request.Context(), userID, strings.TrimSpace(request.DeviceID), policy)
	if err != nil {
		h.logger.Error("login pipeline failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		Outcome:     outcome,
	})
}

type guestRequestPayload struct {
	SessionID string              `json:"session_id"`
	DeviceID  string              `json:"device_id"`
	Signals   fingerprint.Signals `json:"signals"`
	Cost      int                 `json:"cost"`
}

// guestIdentity resolves the quota key and the advisory fingerprint hash. A
// device that persisted an identity sends its device id and the signal hash
// rides along as extra evidence; a device without one is keyed by the hash
// itself.
func (h *httpHandler) guestIdentity(request guestRequestPayload) (string, string) {
	hash := h.fingerprinter.Compute(request.SessionID, request.Signals)
	deviceID := strings.TrimSpace(request.DeviceID)
	if deviceID == "" {
		deviceID = hash
	}
	return deviceID, hash
}

type guestQuotaPayload struct {
	DeviceID string           `json:"device_id"`
	Applied  bool             `json:"applied,omitempty"`
	Stats    guestquota.Stats `json:"stats"`
}

func (h *httpHandler) handleGuestQuota(c *gin.Context) {
	var request guestRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	deviceID, _ := h.guestIdentity(request)
	stats, err := h.guestLedger.Stats(c.Request.Context(), deviceID)
	if err != nil {
		h.logger.Error("guest quota lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota_lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, guestQuotaPayload{DeviceID: deviceID, Stats: stats})
}

func (h *httpHandler) handleGuestConsume(c *gin.Context) {
	var request guestRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SessionID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	cost := request.Cost
	if cost <= 0 {
		cost = 1
	}

	deviceID, fingerprintHash := h.guestIdentity(request)
	limiterKeys := map[string]string{
		limiterMemberFingerprint: fingerprintHash,
		limiterMemberAddress:     c.ClientIP(),
	}

	decision, err := h.guestLimiter.Check(c.Request.Context(), limiterKeys)
	if err != nil {
		h.logger.Error("rate limit check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rate_limit_failed"})
		return
	}
	if !decision.Allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	applied, err := h.guestLedger.Deduct(c.Request.Context(), deviceID, cost)
	if err != nil {
		h.logger.Error("guest deduction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deduct_failed"})
		return
	}

	if applied {
		if err := h.guestLimiter.Record(c.Request.Context(), limiterKeys); err != nil {
			h.logger.Warn("rate limit record failed", zap.Error(err))
		}
		if fingerprintHash != deviceID {
			if err := h.guestLedger.RecordFingerprint(c.Request.Context(), deviceID, fingerprintHash); err != nil {
				h.logger.Warn("fingerprint attach failed", zap.Error(err))
			}
		}
	}

	stats, err := h.guestLedger.Stats(c.Request.Context(), deviceID)
	if err != nil {
		h.logger.Error("guest quota lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "quota_lookup_failed"})
		return
	}

	status := http.StatusOK
	if !applied {
		status = http.StatusTooManyRequests
	}
	c.JSON(status, guestQuotaPayload{DeviceID: deviceID, Applied: applied, Stats: stats})
}

type syncRequestPayload struct {
	Policy string `json:"policy"`
}

// handleSettingsSync re-runs reconciliation for the authenticated user, the
// retry affordance after a failed or conflicted login sync. A pending conflict
// is a normal outcome here, not an error.
func (h *httpHandler) handleSettingsSync(c *gin.Context) {
	userID, ok := h.contextUserID(c)
	if !ok {
		return
	}

	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	policy, err := settings.ParseResolutionPolicy(request.Policy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy"})
		return
	}

	result, err := h.engine.Reconcile(c.Request.Context(), userID, policy)
	if err != nil {
		h.logger.Warn("manual sync failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "sync_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type resolveRequestPayload struct {
	InterfaceLanguage string `json:"interface_language"`
	OutputLanguage    string `json:"output_language"`
	Theme             string `json:"theme"`
}

func (h *httpHandler) handleSettingsResolve(c *gin.Context) {
	userID, ok := h.contextUserID(c)
	if !ok {
		return
	}

	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	chosen := settings.Settings{
		UserID:            userID.String(),
		InterfaceLanguage: request.InterfaceLanguage,
		OutputLanguage:    request.OutputLanguage,
		Theme:             request.Theme,
	}
	result, err := h.engine.Resolve(c.Request.Context(), userID, chosen)
	if err != nil {
		h.logger.Warn("conflict resolution failed", zap.Error(err))
		c.JSON(http.StatusConflict, gin.H{"error": "resolve_failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

type fieldRequestPayload struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (h *httpHandler) handleSettingsField(c *gin.Context) {
	userID, ok := h.contextUserID(c)
	if !ok {
		return
	}

	var request fieldRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Field) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.engine.UpdateField(c.Request.Context(), userID, request.Field, request.Value); err != nil {
		h.logger.Warn("field update failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "update_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": request.Field})
}

type deductRequestPayload struct {
	OperationID string `json:"operation_id"`
	Cost        int64  `json:"cost"`
}

func (h *httpHandler) handleCreditsDeduct(c *gin.Context) {
	userID, ok := h.contextUserID(c)
	if !ok {
		return
	}

	var request deductRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.OperationID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	cost := request.Cost
	if cost <= 0 {
		cost = 1
	}

	result, err := h.creditLedger.Deduct(c.Request.Context(), userID.String(), request.OperationID, cost)
	if err != nil {
		h.logger.Error("credit deduction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deduct_failed"})
		return
	}
	if !result.Applied {
		c.JSON(http.StatusPaymentRequired, result)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleCreditsAccount(c *gin.Context) {
	userID, ok := h.contextUserID(c)
	if !ok {
		return
	}

	account, err := h.creditLedger.Account(c.Request.Context(), userID.String())
	if err != nil {
		h.logger.Error("account lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_lookup_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tier":      account.Tier,
		"remaining": account.RemainingCredits,
		"total":     account.TotalCredits,
		"renews_at": account.RenewalDateSeconds,
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID, ok := h.contextUserID(c)
	if !ok {
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), userID.String())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message.Payload)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) contextUserID(c *gin.Context) (settings.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := settings.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}
