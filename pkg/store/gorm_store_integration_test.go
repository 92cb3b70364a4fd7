package store

import (
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestGormBackendIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("STOREFRONT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("STOREFRONT_TEST_DATABASE_URL not set")
	}
	b, err := NewGormBackend(dsn, "it-"+uuid.NewString())
	if err != nil {
		t.Fatalf("new gorm backend: %v", err)
	}
	defer b.Close()
	exerciseBackend(t, b)
}
