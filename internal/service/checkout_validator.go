package service

import (
	"context"
	"fmt"

	d "github.com/fjod/course_cart/internal/domain"
)

// CheckoutValidator re-checks a cart snapshot against the live catalog and
// the user's enrollments. Its result alone decides whether checkout may go
// on; whatever the client rendered is only a hint.
type CheckoutValidator struct {
	catalog     CatalogLookup
	enrollments EnrollmentStore
}

func NewCheckoutValidator(catalog CatalogLookup, enrollments EnrollmentStore) *CheckoutValidator {
	return &CheckoutValidator{catalog: catalog, enrollments: enrollments}
}

func (v *CheckoutValidator) Validate(ctx context.Context, snapshot *d.CartSnapshot) (*d.ValidationResult, error) {
	if snapshot == nil || snapshot.UserID == "" {
		return nil, d.ErrInvalidRequest.WithMessage("snapshot requires a user")
	}
	if len(snapshot.Items) == 0 {
		return nil, d.ErrEmptyCart
	}

	ids := make([]int64, 0, len(snapshot.Items))
	seen := make(map[int64]struct{}, len(snapshot.Items))
	for _, it := range snapshot.Items {
		if it.CourseID <= 0 || it.Price < 0 {
			return nil, d.ErrInvalidRequest.WithMessage(fmt.Sprintf("invalid snapshot item for course %d", it.CourseID))
		}
		if _, dup := seen[it.CourseID]; dup {
			return nil, d.ErrInvalidRequest.WithMessage(fmt.Sprintf("course %d appears twice", it.CourseID))
		}
		seen[it.CourseID] = struct{}{}
		ids = append(ids, it.CourseID)
	}

	courses, err := v.catalog.GetCourses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get courses: %w", err)
	}
	active, err := v.enrollments.ActiveEnrollments(ctx, snapshot.UserID, ids)
	if err != nil {
		return nil, fmt.Errorf("get enrollments: %w", err)
	}

	res := &d.ValidationResult{InvalidItems: []d.InvalidItem{}}
	for _, it := range snapshot.Items {
		invalid := d.InvalidItem{CourseID: it.CourseID, CartPrice: it.Price}

		c, ok := courses[it.CourseID]
		if ok {
			price := c.Price
			invalid.CurrentPrice = &price
		}

		switch {
		case !ok || !c.IsPublished():
			invalid.Reason = d.InvalidReasonUnavailable
		case active[it.CourseID] != nil:
			invalid.Reason = d.InvalidReasonAlreadyEnrolled
		case c.Price != it.Price:
			invalid.Reason = d.InvalidReasonPriceChanged
		default:
			continue
		}
		res.InvalidItems = append(res.InvalidItems, invalid)
	}

	res.IsValid = len(res.InvalidItems) == 0
	if res.IsValid {
		res.Message = "all items can be checked out"
	} else {
		res.Message = fmt.Sprintf("%d of %d items cannot be checked out", len(res.InvalidItems), len(snapshot.Items))
	}
	return res, nil
}
