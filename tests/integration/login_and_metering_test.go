package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/promptloom/backend/internal/accounts"
	"github.com/promptloom/backend/internal/auth"
	"github.com/promptloom/backend/internal/credits"
	"github.com/promptloom/backend/internal/events"
	"github.com/promptloom/backend/internal/fingerprint"
	"github.com/promptloom/backend/internal/guestquota"
	"github.com/promptloom/backend/internal/history"
	"github.com/promptloom/backend/internal/login"
	"github.com/promptloom/backend/internal/ratelimit"
	"github.com/promptloom/backend/internal/server"
	"github.com/promptloom/backend/internal/settings"
)

const (
	identitySigningSecret = "integration-identity-secret"
	identityIssuer        = "promptloom-identity"
	backendSigningSecret  = "integration-backend-secret"
	integrationUserID     = "user-abc"
	jsonContentType       = "application/json"
)

func buildHandler(testContext *testing.T) (http.Handler, *history.GormStore) {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	err = db.AutoMigrate(
		&accounts.Profile{},
		&settings.Settings{},
		&history.Record{},
		&guestquota.GuestUsage{},
		&credits.CreditAccount{},
		&credits.DeductionRecord{},
	)
	if err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	identityVerifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
		SigningSecret: []byte(identitySigningSecret),
		Issuer:        identityIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to construct identity verifier: %v", err)
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(backendSigningSecret),
		Issuer:        "promptloom-api",
		Audience:      "promptloom-clients",
		TokenTTL:      time.Hour,
	})

	dispatcher := events.NewDispatcher(nil)
	engine, err := settings.NewEngine(settings.EngineConfig{
		Local:    settings.NewMemoryLocalStore(),
		Cloud:    settings.NewGormCloudStore(db),
		Notifier: events.NewSettingsNotifier(dispatcher),
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build settings engine: %v", err)
	}

	historyStore := history.NewGormStore(db)
	worker, err := history.NewWorker(history.WorkerConfig{
		Local:      historyStore,
		Cloud:      historyStore,
		IDProvider: history.NewUUIDProvider(),
		Notifier:   events.NewMigrationNotifier(dispatcher),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build migration worker: %v", err)
	}

	creditLedger, err := credits.NewLedger(credits.LedgerConfig{
		Database: db,
		Plans: map[credits.Tier]credits.TierPlan{
			credits.TierFree: {Total: 10, Cycle: credits.CycleDaily},
			credits.TierPro:  {Total: 500, Cycle: credits.CycleMonthly},
		},
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build credit ledger: %v", err)
	}

	guestLedger, err := guestquota.NewLedger(guestquota.LedgerConfig{
		Database:   db,
		DailyLimit: 2,
	})
	if err != nil {
		testContext.Fatalf("failed to build guest ledger: %v", err)
	}

	profiles, err := accounts.NewService(accounts.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build profile service: %v", err)
	}

	coordinator, err := login.NewCoordinator(login.CoordinatorConfig{
		Engine: engine,
		Worker: worker,
		Ledger: creditLedger,
		Logger: zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build coordinator: %v", err)
	}

	fingerprintLimiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
		Limit:        20,
		Window:       24 * time.Hour,
		DisableSweep: true,
	})
	testContext.Cleanup(func() { fingerprintLimiter.Close() })
	addressLimiter := ratelimit.NewMemoryLimiter(ratelimit.MemoryLimiterConfig{
		Limit:        10,
		Window:       time.Hour,
		DisableSweep: true,
	})
	testContext.Cleanup(func() { addressLimiter.Close() })

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IdentityVerifier: identityVerifier,
		TokenManager:     tokenManager,
		Coordinator:      coordinator,
		Profiles:         profiles,
		SettingsEngine:   engine,
		GuestLedger:      guestLedger,
		CreditLedger:     creditLedger,
		Fingerprinter:    fingerprint.NewComputer(fingerprint.ComputerConfig{}),
		GuestLimiter: ratelimit.NewComposite(
			ratelimit.Member{Name: "fingerprint", Limiter: fingerprintLimiter},
			ratelimit.Member{Name: "address", Limiter: addressLimiter},
		),
		Dispatcher: dispatcher,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return handler, historyStore
}

func postJSON(testContext *testing.T, url, bearer string, payload any) *http.Response {
	testContext.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		testContext.Fatalf("failed to encode payload: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	return response
}

func TestGuestToAccountFlow(testContext *testing.T) {
	handler, historyStore := buildHandler(testContext)
	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	guestPayload := map[string]any{
		"session_id": "session-1",
		"signals": map[string]any{
			"user_agent":      "integration-agent",
			"screen_geometry": "1920x1080",
			"timezone":        "UTC",
		},
	}

	// The guest budget is two operations per day.
	var deviceID string
	for attempt := 1; attempt <= 2; attempt++ {
		response := postJSON(testContext, testServer.URL+"/guest/consume", "", guestPayload)
		if response.StatusCode != http.StatusOK {
			testContext.Fatalf("guest attempt %d: unexpected status %d", attempt, response.StatusCode)
		}
		var consumePayload struct {
			DeviceID string `json:"device_id"`
			Applied  bool   `json:"applied"`
			Stats    struct {
				Used      int `json:"used"`
				Remaining int `json:"remaining"`
			} `json:"stats"`
		}
		if err := json.NewDecoder(response.Body).Decode(&consumePayload); err != nil {
			testContext.Fatalf("failed to decode consume response: %v", err)
		}
		response.Body.Close()
		if !consumePayload.Applied {
			testContext.Fatalf("guest attempt %d: expected applied deduction", attempt)
		}
		if consumePayload.Stats.Used != attempt {
			testContext.Fatalf("guest attempt %d: expected used=%d, got %d", attempt, attempt, consumePayload.Stats.Used)
		}
		deviceID = consumePayload.DeviceID
	}

	exhausted := postJSON(testContext, testServer.URL+"/guest/consume", "", guestPayload)
	if exhausted.StatusCode != http.StatusTooManyRequests {
		testContext.Fatalf("expected 429 after quota exhaustion, got %d", exhausted.StatusCode)
	}
	exhausted.Body.Close()

	// Seed anonymous history for the guest device, then log in.
	for i := 0; i < 2; i++ {
		err := historyStore.Append(context.Background(), history.Record{
			RecordID:         fmt.Sprintf("guest-record-%d", i),
			DeviceID:         deviceID,
			PromptText:       "guest prompt",
			CreatedAtSeconds: int64(1700000000 + i),
		})
		if err != nil {
			testContext.Fatalf("failed to seed history: %v", err)
		}
	}

	loginResponse := postJSON(testContext, testServer.URL+"/auth/login", "", map[string]any{
		"identity_token": mustMintIdentityAssertion(testContext, integrationUserID, time.Now()),
		"device_id":      deviceID,
	})
	if loginResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected login status: %d", loginResponse.StatusCode)
	}
	var loginPayload struct {
		AccessToken string `json:"access_token"`
		Outcome     struct {
			Migration struct {
				MigratedCount int `json:"migrated_count"`
			} `json:"migration"`
		} `json:"outcome"`
	}
	if err := json.NewDecoder(loginResponse.Body).Decode(&loginPayload); err != nil {
		testContext.Fatalf("failed to decode login response: %v", err)
	}
	loginResponse.Body.Close()
	if loginPayload.AccessToken == "" {
		testContext.Fatalf("expected access token")
	}
	if loginPayload.Outcome.Migration.MigratedCount != 2 {
		testContext.Fatalf("expected 2 migrated records, got %d", loginPayload.Outcome.Migration.MigratedCount)
	}

	// Account-side metering: a deduction applies once per operation id.
	deductPayload := map[string]any{"operation_id": "op-1", "cost": 4}
	first := postJSON(testContext, testServer.URL+"/credits/deduct", loginPayload.AccessToken, deductPayload)
	if first.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected deduct status: %d", first.StatusCode)
	}
	first.Body.Close()

	second := postJSON(testContext, testServer.URL+"/credits/deduct", loginPayload.AccessToken, deductPayload)
	if second.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected duplicate deduct status: %d", second.StatusCode)
	}
	var duplicate struct {
		Applied   bool  `json:"applied"`
		Remaining int64 `json:"remaining"`
		Duplicate bool  `json:"duplicate"`
	}
	if err := json.NewDecoder(second.Body).Decode(&duplicate); err != nil {
		testContext.Fatalf("failed to decode duplicate response: %v", err)
	}
	second.Body.Close()
	if !duplicate.Duplicate || duplicate.Remaining != 6 {
		testContext.Fatalf("expected duplicate with 6 remaining, got %#v", duplicate)
	}

	// A preference change while authenticated writes through immediately.
	fieldResponse := postJSON(testContext, testServer.URL+"/settings/field", loginPayload.AccessToken, map[string]any{
		"field": "theme",
		"value": "dark",
	})
	if fieldResponse.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected field update status: %d", fieldResponse.StatusCode)
	}
	fieldResponse.Body.Close()
}

func mustMintIdentityAssertion(testContext *testing.T, userID string, now time.Time) string {
	testContext.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.IdentityClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    identityIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(identitySigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
