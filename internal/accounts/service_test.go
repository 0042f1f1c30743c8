package accounts

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/promptloom/backend/internal/auth"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestRecordLoginCreatesProfileOnFirstLogin(t *testing.T) {
	service := newTestService(t)

	profile, err := service.RecordLogin(auth.IdentityClaims{
		UserID:          "user-1",
		UserEmail:       "user@example.com",
		UserDisplayName: "User One",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.LoginCount != 1 {
		t.Fatalf("expected first login count 1, got %d", profile.LoginCount)
	}
	if profile.Email != "user@example.com" {
		t.Fatalf("unexpected email %q", profile.Email)
	}
}

func TestRecordLoginRefreshesExistingProfile(t *testing.T) {
	service := newTestService(t)

	if _, err := service.RecordLogin(auth.IdentityClaims{UserID: "user-1", UserEmail: "old@example.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	profile, err := service.RecordLogin(auth.IdentityClaims{UserID: "user-1", UserEmail: "new@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.LoginCount != 2 {
		t.Fatalf("expected login count 2, got %d", profile.LoginCount)
	}
	if profile.Email != "new@example.com" {
		t.Fatalf("expected refreshed email, got %q", profile.Email)
	}
}

func TestRecordLoginFallsBackToSubject(t *testing.T) {
	service := newTestService(t)

	profile, err := service.RecordLogin(auth.IdentityClaims{})
	if err == nil {
		t.Fatalf("expected error for empty claims, got %+v", profile)
	}
}

func TestKnownReportsSeenUsers(t *testing.T) {
	service := newTestService(t)

	known, err := service.Known("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if known {
		t.Fatal("expected unknown user before first login")
	}

	if _, err := service.RecordLogin(auth.IdentityClaims{UserID: "user-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	known, err = service.Known("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !known {
		t.Fatal("expected known user after login")
	}
}
