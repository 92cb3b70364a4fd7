package domain

import (
	"errors"
	"time"
)

var (
	// ErrRejected marks a remote service refusing a request (bad credentials,
	// invalid refresh token, validation failure).
	ErrRejected = errors.New("rejected")
	// ErrNotFound marks a remote resource that no longer exists.
	ErrNotFound = errors.New("not found")
)

// Session is the shopper's authentication state as held by the session manager.
type Session struct {
	IsLoggedIn   bool      `json:"isLoggedIn"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// ExpiresAtEpochSeconds returns the access token expiry as unix seconds.
func (s Session) ExpiresAtEpochSeconds() int64 {
	if s.ExpiresAt.IsZero() {
		return 0
	}
	return s.ExpiresAt.Unix()
}

// LoginResult is what the auth service returns for a successful login.
type LoginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	TokenType    string `json:"token_type,omitempty"`
}

// Profile is the authenticated user's account record.
type Profile struct {
	ID        int    `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Admin     bool   `json:"admin"`
}

// CartLine is the durable cart entry. The JSON shape is shared with every
// other context reading the same store, so field names must stay stable.
type CartLine struct {
	BookID   int `json:"id"`
	Quantity int `json:"quantity"`
}

// BookDetail is the catalog snapshot used to enrich a cart line.
type BookDetail struct {
	ID            int      `json:"id"`
	Title         string   `json:"book_title"`
	Author        string   `json:"author"`
	Price         float64  `json:"book_price"`
	DiscountPrice *float64 `json:"discount_price"`
	CoverURL      string   `json:"book_cover_photo"`
	Summary       string   `json:"book_summary,omitempty"`
	Category      string   `json:"category,omitempty"`
	AvgRating     float64  `json:"avg_rating,omitempty"`
	ReviewCount   int      `json:"review_count,omitempty"`
}

// EffectivePrice is the discount price when one is set, the list price otherwise.
func (b BookDetail) EffectivePrice() float64 {
	if b.DiscountPrice != nil {
		return *b.DiscountPrice
	}
	return b.Price
}

// EnrichedCartLine is a cart line joined with live catalog data. It is never persisted.
type EnrichedCartLine struct {
	BookID        int      `json:"id"`
	Quantity      int      `json:"quantity"`
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	UnitPrice     float64  `json:"unitPrice"`
	DiscountPrice *float64 `json:"discountPrice"`
	CoverURL      string   `json:"coverUrl"`
	LineTotal     float64  `json:"lineTotal"`
}

// EffectivePrice mirrors BookDetail.EffectivePrice for the held snapshot.
func (l EnrichedCartLine) EffectivePrice() float64 {
	if l.DiscountPrice != nil {
		return *l.DiscountPrice
	}
	return l.UnitPrice
}

// OrderItem is one purchased line priced at submission time.
type OrderItem struct {
	BookID   int     `json:"book_id"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// Order is the payload handed to the order service.
type Order struct {
	UserID     int         `json:"user_id"`
	OrderDate  time.Time   `json:"order_date"`
	OrderTotal float64     `json:"order_total"`
	Items      []OrderItem `json:"items"`
}

// OrderReceipt is the order service acknowledgement.
type OrderReceipt struct {
	OrderID    int     `json:"id"`
	OrderTotal float64 `json:"order_total"`
}

// InvalidLine describes a cart line that failed pre-checkout validation.
type InvalidLine struct {
	BookID int    `json:"id"`
	Title  string `json:"name"`
	Reason string `json:"reason"`
}
