package shopctx

import (
	"context"
	"strings"
)

// shopKey is the request context key for the active shop domain.
type shopKey struct{}

// WithShop stores the normalized shop domain in the context.
func WithShop(ctx context.Context, shopDomain string) context.Context {
	return context.WithValue(ctx, shopKey{}, Normalize(shopDomain))
}

// ShopFromContext returns the shop domain from context, if set.
func ShopFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(shopKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// Normalize lowercases and trims a shop domain so every store reads and
// writes the same account row.
func Normalize(shopDomain string) string {
	return strings.ToLower(strings.TrimSpace(shopDomain))
}
