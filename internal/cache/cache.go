package cache

import (
	"context"
	"errors"

	"github.com/fjod/course_cart/internal/domain"
)

// CartCache holds the course ids in a user's cart. Prices are never cached:
// they are joined from the catalog on every read.
//
// Every Delete bumps the user's generation. A reader takes the generation
// before it reads the store and passes it to Set, so a list read before a
// write can never be cached after it.
type CartCache interface {
	Get(ctx context.Context, userID string) ([]domain.CartItem, error)
	Generation(ctx context.Context, userID string) (int64, error)
	Set(ctx context.Context, userID string, gen int64, items []domain.CartItem) error
	Delete(ctx context.Context, userID string) error
}

var (
	ErrCacheMiss         = errors.New("cache miss")
	ErrGenerationChanged = errors.New("cart changed since it was read")
)
