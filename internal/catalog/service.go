package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lms/internal/cache"
	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/pricing"
)

// ErrNotFound is returned for unknown or unpublished courses.
var ErrNotFound = errors.New("course not found")

// Course is a published course as stored.
type Course struct {
	ID            uuid.UUID        `json:"id"`
	Title         string           `json:"title"`
	OriginalPrice decimal.Decimal  `json:"original_price"`
	DiscountPrice *decimal.Decimal `json:"discount_price,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Listing is a course together with its price for the caller's tax region.
// No promo code is applied.
type Listing struct {
	ID    uuid.UUID              `json:"id"`
	Title string                 `json:"title"`
	Price pricing.LineItemResult `json:"price"`
}

// Store reads published courses.
type Store interface {
	List(ctx context.Context, query string, limit, offset int) ([]Course, int, error)
	Get(ctx context.Context, id uuid.UUID) (Course, error)
}

// TaxResolver resolves the tax percentage for a country.
type TaxResolver interface {
	Resolve(ctx context.Context, country string) (decimal.Decimal, error)
}

// ListParams filters a catalog listing.
type ListParams struct {
	Query   string
	Page    int
	PerPage int
}

// ListResult is one page of listings.
type ListResult struct {
	Items []Listing
	Total int
}

// Service serves the public course catalog.
type Service struct {
	Store Store
	Cache *cache.Cache
	Taxes TaxResolver
	Now   func() time.Time

	// DefaultPerPage is the page size whose unfiltered first page is cached.
	DefaultPerPage int
}

type cachedPage struct {
	Items []Course `json:"items"`
	Total int      `json:"total"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return common.UTCNow()
}

// List returns a page of published courses priced for country.
func (s *Service) List(ctx context.Context, params ListParams, country string) (ListResult, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PerPage < 1 {
		params.PerPage = s.DefaultPerPage
	}
	offset := (params.Page - 1) * params.PerPage

	key := ""
	if params.Page == 1 && params.PerPage == s.DefaultPerPage && strings.TrimSpace(params.Query) == "" {
		key = cache.KeyCourseListFirstPage
	}

	var page cachedPage
	hit := false
	if key != "" {
		if ok, err := s.Cache.GetJSON(ctx, key, &page); err == nil && ok {
			hit = true
		}
	}
	if !hit {
		items, total, err := s.Store.List(ctx, params.Query, params.PerPage, offset)
		if err != nil {
			return ListResult{}, err
		}
		page = cachedPage{Items: items, Total: total}
		if key != "" {
			s.writeCache(ctx, key, page)
		}
	}

	pct, err := s.taxFor(ctx, country)
	if err != nil {
		return ListResult{}, err
	}
	today := s.now()
	out := ListResult{Items: make([]Listing, 0, len(page.Items)), Total: page.Total}
	for _, c := range page.Items {
		l, err := price(c, pct, today)
		if err != nil {
			return ListResult{}, err
		}
		out.Items = append(out.Items, l)
	}
	return out, nil
}

// Get returns one published course priced for country.
func (s *Service) Get(ctx context.Context, id uuid.UUID, country string) (Listing, error) {
	key := cache.KeyCourse(id.String())
	var c Course
	if ok, err := s.Cache.GetJSON(ctx, key, &c); err != nil || !ok {
		c, err = s.Store.Get(ctx, id)
		if err != nil {
			return Listing{}, err
		}
		s.writeCache(ctx, key, c)
	}

	pct, err := s.taxFor(ctx, country)
	if err != nil {
		return Listing{}, err
	}
	return price(c, pct, s.now())
}

// Invalidate drops cached entries for the given course.
func (s *Service) Invalidate(ctx context.Context, id uuid.UUID) error {
	return s.Cache.Delete(ctx, cache.KeyCourse(id.String()), cache.KeyCourseListFirstPage)
}

func (s *Service) taxFor(ctx context.Context, country string) (decimal.Decimal, error) {
	if s.Taxes == nil {
		return decimal.Zero, nil
	}
	return s.Taxes.Resolve(ctx, country)
}

func (s *Service) writeCache(ctx context.Context, key string, v any) {
	if err := s.Cache.SetJSON(ctx, key, v); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("catalog_cache_write_failed")
	}
}

func price(c Course, taxPercentage decimal.Decimal, today time.Time) (Listing, error) {
	if err := pricing.Validate(c.OriginalPrice, c.DiscountPrice, nil, taxPercentage); err != nil {
		return Listing{}, fmt.Errorf("course %s: %w", c.ID, err)
	}
	res := pricing.Price(pricing.LineItem{
		CourseID:      c.ID.String(),
		Title:         c.Title,
		OriginalPrice: c.OriginalPrice,
		DiscountPrice: c.DiscountPrice,
	}, taxPercentage, today)
	return Listing{ID: c.ID, Title: c.Title, Price: res}, nil
}
