package promo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-lms/internal/cache"
	"github.com/noah-isme/backend-lms/internal/common"
	"github.com/noah-isme/backend-lms/internal/pricing"
)

var hundred = decimal.NewFromInt(100)

// CreateInput is the admin payload for a new promo code.
type CreateInput struct {
	Code         string          `json:"code" validate:"required,alphanum,min=3,max=32"`
	Message      string          `json:"message" validate:"max=255"`
	DiscountType string          `json:"discount_type" validate:"required,oneof=percentage amount"`
	Discount     decimal.Decimal `json:"discount"`
	IsActive     *bool           `json:"is_active"`
	StartDate    string          `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate      string          `json:"end_date" validate:"required,datetime=2006-01-02"`
	CreatedBy    string          `json:"-"`
}

// FieldError describes one rejected input field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError lists every rejected field of a create request.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+":"+f.Rule)
	}
	return "invalid promo code input: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Service manages promo codes.
type Service struct {
	Store    Store
	Cache    *cache.Cache
	Validate *validator.Validate
	Now      func() time.Time
}

// NewService constructs a Service with a fresh validator.
func NewService(store Store, c *cache.Cache) *Service {
	return &Service{Store: store, Cache: c, Validate: validator.New(validator.WithRequiredStructEnabled()), Now: common.UTCNow}
}

// Create validates and persists a promo code.
func (s *Service) Create(ctx context.Context, in CreateInput) (Record, error) {
	if s == nil || s.Store == nil {
		return Record{}, errors.New("promo service not configured")
	}
	ctx, span := otel.Tracer("promo").Start(ctx, "promo.Create")
	defer span.End()

	rec, err := s.build(in)
	if err != nil {
		return Record{}, err
	}
	span.SetAttributes(attribute.String("promo.code", rec.Code))

	created, err := s.Store.Create(ctx, rec)
	if err != nil {
		return Record{}, err
	}
	if err := s.Cache.Delete(ctx, cache.KeyPromoCode(created.Code)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("code", created.Code).Msg("promo_cache_invalidate_failed")
	}
	return created, nil
}

func (s *Service) build(in CreateInput) (Record, error) {
	var fields []FieldError
	if s.Validate != nil {
		if err := s.Validate.Struct(in); err != nil {
			var verrs validator.ValidationErrors
			if !errors.As(err, &verrs) {
				return Record{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			for _, fe := range verrs {
				fields = append(fields, FieldError{Field: jsonName(fe.Field()), Rule: fe.Tag()})
			}
		}
	}
	if !in.Discount.IsPositive() {
		fields = append(fields, FieldError{Field: "discount", Rule: "gt0"})
	} else if pricing.DiscountType(in.DiscountType) == pricing.DiscountPercentage && in.Discount.GreaterThan(hundred) {
		fields = append(fields, FieldError{Field: "discount", Rule: "lte100"})
	}
	start, startErr := ParseDate(in.StartDate)
	end, endErr := ParseDate(in.EndDate)
	if startErr == nil && endErr == nil && end.Before(start.Time) {
		fields = append(fields, FieldError{Field: "end_date", Rule: "gtefield_start_date"})
	}
	if len(fields) > 0 {
		return Record{}, &ValidationError{Fields: fields}
	}

	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return Record{
		Code:         NormalizeCode(in.Code),
		Message:      strings.TrimSpace(in.Message),
		DiscountType: pricing.DiscountType(in.DiscountType),
		Discount:     in.Discount,
		IsActive:     active,
		StartDate:    start,
		EndDate:      end,
		CreatedBy:    in.CreatedBy,
	}, nil
}

// ByCode resolves a promo code, consulting the cache first.
func (s *Service) ByCode(ctx context.Context, code string) (Record, error) {
	if s == nil || s.Store == nil {
		return Record{}, errors.New("promo service not configured")
	}
	code = NormalizeCode(code)
	if code == "" {
		return Record{}, ErrNotFound
	}
	key := cache.KeyPromoCode(code)
	var cached Record
	if ok, err := s.Cache.GetJSON(ctx, key, &cached); err == nil && ok {
		return cached, nil
	} else if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("promo_cache_read_failed")
	}

	rec, err := s.Store.ByCode(ctx, code)
	if err != nil {
		return Record{}, err
	}
	if err := s.Cache.SetJSON(ctx, key, rec); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("promo_cache_write_failed")
	}
	return rec, nil
}

// Get loads a promo code by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	if s == nil || s.Store == nil {
		return Record{}, errors.New("promo service not configured")
	}
	return s.Store.Get(ctx, id)
}

// List returns one page of promo codes and the total count.
func (s *Service) List(ctx context.Context, page, perPage int) ([]Record, int, error) {
	if s == nil || s.Store == nil {
		return nil, 0, errors.New("promo service not configured")
	}
	page = max(page, 1)
	if perPage <= 0 {
		perPage = 20
	}
	return s.Store.List(ctx, perPage, (page-1)*perPage)
}

func jsonName(field string) string {
	switch field {
	case "DiscountType":
		return "discount_type"
	case "StartDate":
		return "start_date"
	case "EndDate":
		return "end_date"
	case "IsActive":
		return "is_active"
	}
	return strings.ToLower(field)
}
