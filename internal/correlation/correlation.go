// Package correlation carries the id that ties one logical operation to
// every backend request it issues. The id travels on the context and is
// sent to the backend in the X-Correlation-Id header.
package correlation

import (
	"context"
	"net/http"
	"strings"
	"unicode"

	"pkt.systems/fabric/internal/ids"
)

// MaxIDLength is the longest accepted identifier in bytes.
const MaxIDLength = 128

// Header is the HTTP header carrying the correlation identifier.
const Header = "X-Correlation-Id"

type ctxKey struct{}

// Normalize trims id and reports whether it is a usable identifier: non-empty,
// at most MaxIDLength bytes and printable ASCII only.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	if strings.IndexFunc(id, func(r rune) bool { return r > unicode.MaxASCII || !unicode.IsPrint(r) }) >= 0 {
		return "", false
	}
	return id, true
}

// Set returns ctx carrying id. Unusable ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id, ok := Normalize(id); ok {
		return context.WithValue(ctx, ctxKey{}, id)
	}
	return ctx
}

// ID returns the id carried by ctx or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Ensure returns ctx with an id attached, generating one when ctx has none,
// and the id in effect.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return Set(ctx, id), id
}

// Generate returns a new time-ordered identifier.
func Generate() string {
	return ids.NewV7()
}

// Inject copies the id carried by ctx onto h.
func Inject(ctx context.Context, h http.Header) {
	if id := ID(ctx); id != "" {
		h.Set(Header, id)
	}
}
