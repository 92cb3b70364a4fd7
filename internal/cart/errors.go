package cart

import "errors"

var (
	// ErrSignInRequired indicates a cart mutation that needs a session ran without one.
	ErrSignInRequired = errors.New("sign in required")
	// ErrInvalidQuantity indicates a non-positive quantity was requested.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrInvalidBookID indicates a non-positive book id.
	ErrInvalidBookID = errors.New("invalid book id")
	// ErrLineNotFound indicates the book is not in the cart.
	ErrLineNotFound = errors.New("cart line not found")
)

// Notices shown to the shopper after a cart mutation.
const (
	NoticeAdded        = "Item added to cart!"
	NoticeUpdated      = "Item quantity updated in cart!"
	NoticeCappedNew    = "Quantity limit is 8. Added 8 items to cart."
	NoticeAlreadyAtMax = "You already have the maximum quantity (8) of this item in your cart."
	NoticeLimit        = "You can only add a maximum of 8 units for this item."
	NoticeSignIn       = "Please log in to add items to your cart."

	noticeTopUpFormat = "Quantity limit reached. Added %d item(s) to reach the maximum of 8."
)
