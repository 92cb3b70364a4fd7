package covers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"storefront/pkg/domain"
)

// FallbackCover is shown when a book has no usable cover.
const FallbackCover = "/book.png"

const defaultExpiry = 15 * time.Minute

// Catalog is the book-detail lookup being decorated.
type Catalog interface {
	GetBookDetail(ctx context.Context, bookID int) (domain.BookDetail, error)
}

// ResolvingCatalog fills CoverURL for every lookup: absolute URLs and site
// paths pass through, object keys are presigned, anything else falls back.
type ResolvingCatalog struct {
	next   Catalog
	signer Signer
	expiry time.Duration
	logger *slog.Logger
}

// NewResolvingCatalog wraps next. signer may be nil, in which case object keys
// fall back to FallbackCover.
func NewResolvingCatalog(next Catalog, signer Signer, expiry time.Duration, logger *slog.Logger) *ResolvingCatalog {
	if expiry <= 0 {
		expiry = defaultExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResolvingCatalog{next: next, signer: signer, expiry: expiry, logger: logger}
}

func (c *ResolvingCatalog) GetBookDetail(ctx context.Context, bookID int) (domain.BookDetail, error) {
	book, err := c.next.GetBookDetail(ctx, bookID)
	if err != nil {
		return domain.BookDetail{}, err
	}
	book.CoverURL = c.resolve(ctx, bookID, book.CoverURL)
	return book, nil
}

func (c *ResolvingCatalog) resolve(ctx context.Context, bookID int, cover string) string {
	cover = strings.TrimSpace(cover)
	switch {
	case cover == "":
		return FallbackCover
	case strings.HasPrefix(cover, "http://"), strings.HasPrefix(cover, "https://"), strings.HasPrefix(cover, "/"):
		return cover
	case c.signer == nil:
		return FallbackCover
	}
	url, err := c.signer.PresignGet(ctx, cover, c.expiry)
	if err != nil {
		c.logger.Warn("presign cover failed", "book_id", bookID, "key", cover, "err", err)
		return FallbackCover
	}
	return url
}
