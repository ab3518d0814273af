package cart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/obs"
	"github.com/noah-isme/backend-lms/internal/pricing"
	"github.com/noah-isme/backend-lms/internal/promo"
)

// ErrPromoNotApplicable is returned when a promo exists but is inactive or
// outside its validity window.
var ErrPromoNotApplicable = errors.New("promo code not applicable")

// PromoLookup resolves promo codes by their public code.
type PromoLookup interface {
	ByCode(ctx context.Context, code string) (promo.Record, error)
}

// TaxResolver returns the tax percentage for a country.
type TaxResolver interface {
	Resolve(ctx context.Context, country string) (decimal.Decimal, error)
}

// Service prices and edits a user's cart.
type Service struct {
	Store  Store
	Promos PromoLookup
	Taxes  TaxResolver
	Now    func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return common.UTCNow()
}

// Quote prices every line of the cart with the user's tax rate.
func (s *Service) Quote(ctx context.Context, userID, country string) (summary pricing.CartSummary, err error) {
	if s == nil || s.Store == nil || s.Taxes == nil {
		return pricing.CartSummary{}, errors.New("cart service not configured")
	}
	ctx, span := otel.Tracer("cart").Start(ctx, "cart.Quote")
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if obs.CartQuoteTotal != nil {
			obs.CartQuoteTotal.WithLabelValues(result).Inc()
		}
		span.End()
	}()

	lines, err := s.Store.ListLines(ctx, userID)
	if err != nil {
		return pricing.CartSummary{}, err
	}
	rate, err := s.Taxes.Resolve(ctx, country)
	if err != nil {
		return pricing.CartSummary{}, err
	}
	span.SetAttributes(
		attribute.Int("cart.lines", len(lines)),
		attribute.String("tax.country", country),
		attribute.String("tax.percentage", rate.String()),
	)

	today := s.now()
	results := make([]pricing.LineItemResult, 0, len(lines))
	for _, line := range lines {
		item := line.LineItem()
		if err := pricing.Validate(item.OriginalPrice, item.DiscountPrice, item.PromoCode, rate); err != nil {
			return pricing.CartSummary{}, fmt.Errorf("course %s: %w", item.CourseID, err)
		}
		results = append(results, pricing.Price(item, rate, today))
	}
	return pricing.SummarizeCart(results), nil
}

// AddCourse puts a course in the cart.
func (s *Service) AddCourse(ctx context.Context, userID string, courseID uuid.UUID) error {
	if s == nil || s.Store == nil {
		return errors.New("cart service not configured")
	}
	return s.Store.AddCourse(ctx, userID, courseID)
}

// RemoveCourse drops a course from the cart.
func (s *Service) RemoveCourse(ctx context.Context, userID string, courseID uuid.UUID) error {
	if s == nil || s.Store == nil {
		return errors.New("cart service not configured")
	}
	return s.Store.RemoveCourse(ctx, userID, courseID)
}

// ApplyPromo attaches a promo code to a single cart line. The promo must be
// applicable today; it never affects other lines.
func (s *Service) ApplyPromo(ctx context.Context, userID string, courseID uuid.UUID, code string) error {
	if s == nil || s.Store == nil || s.Promos == nil {
		return errors.New("cart service not configured")
	}
	rec, err := s.Promos.ByCode(ctx, code)
	if err != nil {
		return err
	}
	if !rec.Snapshot().Applicable(s.now()) {
		return fmt.Errorf("%w: %s", ErrPromoNotApplicable, rec.Code)
	}
	return s.Store.AttachPromo(ctx, userID, courseID, &rec.ID)
}

// RemovePromo detaches the promo from a cart line.
func (s *Service) RemovePromo(ctx context.Context, userID string, courseID uuid.UUID) error {
	if s == nil || s.Store == nil {
		return errors.New("cart service not configured")
	}
	return s.Store.AttachPromo(ctx, userID, courseID, nil)
}

// Clear empties the cart.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if s == nil || s.Store == nil {
		return errors.New("cart service not configured")
	}
	return s.Store.Clear(ctx, userID)
}
