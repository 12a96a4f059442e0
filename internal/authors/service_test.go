package authors

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/folio/backend/internal/auth"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func claimsFor(subject, displayName string) auth.AuthorClaims {
	return auth.AuthorClaims{
		DisplayName:      displayName,
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
}

func TestRememberStoresAndRenamesAuthors(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	if err := service.Remember(ctx, claimsFor("author-1", " Ada ")); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	if err := service.Remember(ctx, claimsFor("author-1", "")); err != nil {
		t.Fatalf("remember without name failed: %v", err)
	}

	var profile Profile
	if err := db.First(&profile, "author_id = ?", "author-1").Error; err != nil {
		t.Fatalf("expected stored profile: %v", err)
	}
	if profile.DisplayName != "Ada" {
		t.Fatalf("expected trimmed display name, got %q", profile.DisplayName)
	}

	if err := service.Remember(ctx, claimsFor("author-1", "Ada Lovelace")); err != nil {
		t.Fatalf("rename failed: %v", err)
	}
	var count int64
	if err := db.Model(&Profile{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single profile row, got %d", count)
	}
	names, err := service.DisplayNames(ctx, []string{"author-1"})
	if err != nil {
		t.Fatalf("display names failed: %v", err)
	}
	if names["author-1"] != "Ada Lovelace" {
		t.Fatalf("expected renamed author, got %q", names["author-1"])
	}
}

func TestRememberRejectsMissingSubject(t *testing.T) {
	service, _ := newTestService(t)
	if err := service.Remember(context.Background(), claimsFor("  ", "Nobody")); err != ErrInvalidIdentity {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestDisplayNamesReadsStoredProfilesAndSkipsUnknown(t *testing.T) {
	service, db := newTestService(t)
	if err := db.Create(&Profile{AuthorID: "author-2", DisplayName: "Grace", LastSeenAt: time.Unix(1, 0)}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := db.Create(&Profile{AuthorID: "author-3", LastSeenAt: time.Unix(1, 0)}).Error; err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	names, err := service.DisplayNames(context.Background(), []string{"author-2", "author-3", "author-9", "author-2"})
	if err != nil {
		t.Fatalf("display names failed: %v", err)
	}
	if len(names) != 1 || names["author-2"] != "Grace" {
		t.Fatalf("unexpected names %v", names)
	}
}
