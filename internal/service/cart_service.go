package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/course_cart/internal/cache"
	d "github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

type CartService struct {
	repo        CartRepository
	cache       cache.CartCache
	catalog     CatalogLookup
	enrollments EnrollmentStore
	sfg         singleflight.Group // Prevents cache stampede
	now         func() time.Time
}

func NewCartService(repo CartRepository, cache cache.CartCache, catalog CatalogLookup, enrollments EnrollmentStore) *CartService {
	return &CartService{
		repo:        repo,
		cache:       cache,
		catalog:     catalog,
		enrollments: enrollments,
		now:         time.Now,
	}
}

// AddItem puts a purchasable course into the user's cart and returns the
// new cart item id.
func (s *CartService) AddItem(ctx context.Context, userID string, courseID int64) (string, error) {
	if userID == "" || courseID <= 0 {
		return "", d.ErrInvalidRequest.WithMessage("user and course_id are required")
	}

	course, err := s.catalog.GetCourse(ctx, courseID)
	if err != nil {
		return "", fmt.Errorf("get course %d: %w", courseID, err)
	}
	if !course.IsPublished() {
		return "", d.ErrCourseUnavailable.WithMessage(fmt.Sprintf("course %d is %s", courseID, course.Status))
	}
	if course.IsFree {
		return "", d.ErrCourseIsFree
	}

	active, err := s.enrollments.ActiveEnrollments(ctx, userID, []int64{courseID})
	if err != nil {
		return "", fmt.Errorf("check enrollment: %w", err)
	}
	if _, ok := active[courseID]; ok {
		return "", d.ErrAlreadyEnrolled
	}

	item := &d.CartItem{
		ID:       uuid.NewString(),
		UserID:   userID,
		CourseID: courseID,
		AddedAt:  s.now().UTC(),
	}
	if err := s.repo.AddItem(ctx, item); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int64("course_id", courseID).Msg("repo add item error")
		return "", err
	}

	invalidateCache(ctx, s, userID)
	return item.ID, nil
}

// RemoveItem is idempotent: removing a course that is not in the cart is
// not an error.
func (s *CartService) RemoveItem(ctx context.Context, userID string, courseID int64) error {
	if err := s.repo.RemoveItem(ctx, userID, courseID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int64("course_id", courseID).Msg("repo remove item error")
		return err
	}

	invalidateCache(ctx, s, userID)
	return nil
}

// ClearCart empties the cart and reports how many items were removed.
func (s *CartService) ClearCart(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.DeleteCart(ctx, userID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("repo delete cart error")
		return 0, err
	}

	invalidateCache(ctx, s, userID)
	return n, nil
}

// RemovePurchased drops paid courses from the cart.
func (s *CartService) RemovePurchased(ctx context.Context, userID string, courseIDs []int64) (int64, error) {
	n, err := s.repo.RemoveItems(ctx, userID, courseIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		invalidateCache(ctx, s, userID)
	}
	return n, nil
}

// GetCart joins the cart items with live catalog prices. Items that can no
// longer be bought stay visible with Available=false and do not count
// towards the total.
func (s *CartService) GetCart(ctx context.Context, userID string) (*d.CartView, error) {
	items, err := s.loadItems(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &d.CartView{
		UserID: userID,
		Items:  make([]d.CartLine, 0, len(items)),
	}
	if len(items) == 0 {
		return view, nil
	}

	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.CourseID)
	}
	courses, err := s.catalog.GetCourses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get cart courses: %w", err)
	}

	for _, it := range items {
		line := d.CartLine{
			CartItemID: it.ID,
			CourseID:   it.CourseID,
			AddedAt:    it.AddedAt,
		}
		if c, ok := courses[it.CourseID]; ok {
			line.Title = c.Title
			line.OriginalPrice = c.OriginalPrice
			line.Price = c.Price
			line.Available = c.IsPublished() && !c.IsFree
		}
		if line.Available {
			view.Summary.TotalAmount += line.Price
		}
		view.Items = append(view.Items, line)
	}
	view.Summary.ItemCount = len(view.Items)
	return view, nil
}

func (s *CartService) GetSummary(ctx context.Context, userID string) (d.CartSummary, error) {
	view, err := s.GetCart(ctx, userID)
	if err != nil {
		return d.CartSummary{}, err
	}
	return view.Summary, nil
}

func (s *CartService) loadItems(ctx context.Context, userID string) ([]d.CartItem, error) {
	// Use singleflight to prevent multiple concurrent cache misses for same key
	v, err, _ := s.sfg.Do(userID, func() (interface{}, error) {
		items, err := s.cache.Get(ctx, userID)
		if err == nil {
			return items, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logger.Ctx(ctx).Warn().Err(err).Msg("cache get error") // log cache error but continue
		}

		// taken before the store read so a concurrent write voids our Set
		gen, errGen := s.cache.Generation(ctx, userID)

		items, err = s.repo.ListItems(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("list cart items: %w", err)
		}

		if errGen != nil {
			logger.Ctx(ctx).Warn().Err(errGen).Msg("cache generation error, not caching")
			return items, nil
		}
		errSet := s.cache.Set(ctx, userID, gen, items)
		switch {
		case errors.Is(errSet, cache.ErrGenerationChanged):
			logger.Ctx(ctx).Debug().Msg("cart changed during read, not caching")
		case errSet != nil:
			logger.Ctx(ctx).Warn().Err(errSet).Msg("cache set error")
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]d.CartItem), nil
}

// invalidateCache runs after every cart write. Forget makes later readers
// start a fresh load instead of joining one that began before the write.
func invalidateCache(ctx context.Context, s *CartService, userID string) {
	s.sfg.Forget(userID)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, userID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("cache invalidate error")
	}
}
