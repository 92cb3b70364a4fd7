package covers

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront/pkg/domain"
)

type stubCatalog map[int]domain.BookDetail

func (s stubCatalog) GetBookDetail(_ context.Context, id int) (domain.BookDetail, error) {
	book, ok := s[id]
	if !ok {
		return domain.BookDetail{}, domain.ErrNotFound
	}
	return book, nil
}

type stubSigner struct {
	fail   bool
	expiry time.Duration
}

func (s *stubSigner) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	s.expiry = expiry
	if s.fail {
		return "", errors.New("minio down")
	}
	return "https://covers.example.com/" + key + "?sig=1", nil
}

func TestResolvingCatalog(t *testing.T) {
	catalog := stubCatalog{
		1: {ID: 1, CoverURL: ""},
		2: {ID: 2, CoverURL: "https://cdn.example.com/2.jpg"},
		3: {ID: 3, CoverURL: "/static/3.jpg"},
		4: {ID: 4, CoverURL: "covers/4.jpg"},
	}
	signer := &stubSigner{}
	c := NewResolvingCatalog(catalog, signer, time.Minute, nil)
	ctx := context.Background()

	want := map[int]string{
		1: FallbackCover,
		2: "https://cdn.example.com/2.jpg",
		3: "/static/3.jpg",
		4: "https://covers.example.com/covers/4.jpg?sig=1",
	}
	for id, url := range want {
		book, err := c.GetBookDetail(ctx, id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if book.CoverURL != url {
			t.Fatalf("book %d cover = %q, want %q", id, book.CoverURL, url)
		}
	}
	if signer.expiry != time.Minute {
		t.Fatalf("signer expiry = %v, want 1m", signer.expiry)
	}

	if _, err := c.GetBookDetail(ctx, 99); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("lookup errors must pass through, got %v", err)
	}
}

func TestResolvingCatalogFallsBackWhenSigningFails(t *testing.T) {
	catalog := stubCatalog{4: {ID: 4, CoverURL: "covers/4.jpg"}}
	for name, signer := range map[string]Signer{"nil signer": nil, "failing signer": &stubSigner{fail: true}} {
		t.Run(name, func(t *testing.T) {
			book, err := NewResolvingCatalog(catalog, signer, 0, nil).GetBookDetail(context.Background(), 4)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if book.CoverURL != FallbackCover {
				t.Fatalf("cover = %q, want fallback", book.CoverURL)
			}
		})
	}
}
