// Package identity maps scanned or typed codes to the account or stall they name.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("no account or stall matches this code")

// Shape is the lookup strategy implied by a code's form.
type Shape int

const (
	ShapeFullCode Shape = iota
	ShapeShortCode
)

const (
	shortCodeMin = 3
	shortCodeMax = 10

	// ShortCodeAlphabet omits characters that are easy to misread (I, O, 0, 1).
	ShortCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Classify normalizes code and decides how it should be looked up:
// 3–10 ASCII letters or digits are a short code (uppercased), anything else
// is a full QR payload.
func Classify(code string) (string, Shape) {
	code = strings.TrimSpace(code)
	if len(code) < shortCodeMin || len(code) > shortCodeMax {
		return code, ShapeFullCode
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		isDigit := c >= '0' && c <= '9'
		isLetter := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		if !isDigit && !isLetter {
			return code, ShapeFullCode
		}
	}
	return strings.ToUpper(code), ShapeShortCode
}

// Finder looks up ids by code. Implementations return uuid.Nil with a nil
// error when nothing matches.
type Finder interface {
	FindIDByCode(ctx context.Context, code string) (uuid.UUID, error)
	FindIDByShortCode(ctx context.Context, shortCode string) (uuid.UUID, error)
}

type Resolver struct {
	finder Finder
}

func NewResolver(finder Finder) *Resolver {
	return &Resolver{finder: finder}
}

// Resolve returns the id the code names. It never creates anything.
func (r *Resolver) Resolve(ctx context.Context, code string) (uuid.UUID, error) {
	normalized, shape := Classify(code)
	if normalized == "" {
		return uuid.Nil, ErrNotFound
	}

	var (
		id  uuid.UUID
		err error
	)
	switch shape {
	case ShapeShortCode:
		id, err = r.finder.FindIDByShortCode(ctx, normalized)
	default:
		id, err = r.finder.FindIDByCode(ctx, normalized)
	}
	if err != nil {
		return uuid.Nil, err
	}
	if id == uuid.Nil {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

// GenerateShortCode returns n random characters from ShortCodeAlphabet.
func GenerateShortCode(n int) (string, error) {
	max := big.NewInt(int64(len(ShortCodeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = ShortCodeAlphabet[idx.Int64()]
	}
	return string(b), nil
}
