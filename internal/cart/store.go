package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound indicates the requested cart could not be located.
var ErrNotFound = errors.New("cart not found")

// ErrInvalidInput is returned when the provided payload is invalid.
var ErrInvalidInput = errors.New("invalid input")

// Line is one product entry in a cart. UnitPrice is the base price captured
// when the line was added; quotes always re-price against current rules.
type Line struct {
	ProductID uuid.UUID `json:"productId"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	Qty       int       `json:"qty"`
	UnitPrice int64     `json:"unitPrice"`
}

// Cart is the stored cart document.
type Cart struct {
	Owner     string    `json:"owner"`
	Lines     []Line    `json:"lines"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store keeps carts as JSON documents in Redis with a sliding TTL. Carts are
// keyed by owner: authenticated users by user id, guests by a client-held
// anonymous token.
type Store struct {
	Client *redis.Client
	TTL    time.Duration
}

func (s *Store) ttl() time.Duration {
	if s == nil || s.TTL <= 0 {
		return 7 * 24 * time.Hour
	}
	return s.TTL
}

func cartKey(owner string) string {
	return "cart:" + owner
}

// UserOwner builds the cart owner key for an authenticated user.
func UserOwner(userID string) string { return "user:" + userID }

// AnonOwner builds the cart owner key for a guest token.
func AnonOwner(token string) string { return "anon:" + token }

// Get loads a cart. A missing cart returns ErrNotFound.
func (s *Store) Get(ctx context.Context, owner string) (Cart, error) {
	if s == nil || s.Client == nil {
		return Cart{}, errors.New("cart store not configured")
	}
	data, err := s.Client.Get(ctx, cartKey(owner)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Cart{}, ErrNotFound
		}
		return Cart{}, fmt.Errorf("load cart: %w", err)
	}
	var c Cart
	if err := json.Unmarshal(data, &c); err != nil {
		return Cart{}, fmt.Errorf("decode cart: %w", err)
	}
	return c, nil
}

// Save writes the cart document and refreshes its TTL.
func (s *Store) Save(ctx context.Context, owner string, c Cart) error {
	if s == nil || s.Client == nil {
		return errors.New("cart store not configured")
	}
	c.Owner = owner
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	if err := s.Client.Set(ctx, cartKey(owner), data, s.ttl()).Err(); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

// Delete removes a cart.
func (s *Store) Delete(ctx context.Context, owner string) error {
	if s == nil || s.Client == nil {
		return errors.New("cart store not configured")
	}
	return s.Client.Del(ctx, cartKey(owner)).Err()
}
