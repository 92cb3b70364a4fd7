package bookclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"storefront/pkg/domain"
)

func TestGetBookDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/book/7":
			_, _ = w.Write([]byte(`{"book":{"id":7,"book_title":"Dune","author":"Frank Herbert","book_price":20,"discount_price":15,"book_cover_photo":null}}`))
		case "/api/book/8":
			_, _ = w.Write([]byte(`{"items":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Book not found"})
		}
	}))
	defer srv.Close()
	client := NewClient(srv.URL, 0)
	ctx := context.Background()

	book, err := client.GetBookDetail(ctx, 7)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if book.Title != "Dune" || book.Price != 20 || book.DiscountPrice == nil || *book.DiscountPrice != 15 {
		t.Fatalf("unexpected book: %+v", book)
	}
	if book.EffectivePrice() != 15 {
		t.Fatalf("effective price = %v, want 15", book.EffectivePrice())
	}

	if _, err := client.GetBookDetail(ctx, 8); err == nil {
		t.Fatalf("expected error for response without book")
	}

	_, err = client.GetBookDetail(ctx, 9)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, domain.ErrRejected) {
		t.Fatalf("404 must not classify as rejection")
	}
}
