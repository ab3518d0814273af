package common

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey  ctxKey = "auth/user-id"
	countryKey ctxKey = "auth/country"
	emailKey   ctxKey = "auth/email"
)

// WithUserID stores the authenticated user identifier on the provided context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID extracts the authenticated user identifier from the context if present.
func UserID(ctx context.Context) (string, bool) {
	v := ctx.Value(userIDKey)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// WithCountry stores the user's ISO country code, used for tax resolution.
func WithCountry(ctx context.Context, country string) context.Context {
	return context.WithValue(ctx, countryKey, strings.ToUpper(strings.TrimSpace(country)))
}

// Country returns the country code stored on the context, or "".
func Country(ctx context.Context) string {
	v, _ := ctx.Value(countryKey).(string)
	return v
}

// WithEmail stores the user's email address.
func WithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, emailKey, strings.TrimSpace(email))
}

// Email returns the email stored on the context, or "".
func Email(ctx context.Context) string {
	v, _ := ctx.Value(emailKey).(string)
	return v
}
