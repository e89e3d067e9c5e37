package llm

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"

	"flowrun/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMapHTTPError429CarriesHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "30")
	header.Set("X-RateLimit-Remaining-Tokens", "0")

	err := mapHTTPError("groq", 429, []byte(`{"error":"rate_limit_exceeded"}`), header)

	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("want ErrRateLimit, got %v", err)
	}
	var rle *domain.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("want *RateLimitError in chain, got %T", err)
	}
	if rle.Provider != "groq" || rle.StatusCode != 429 {
		t.Fatalf("rle = %+v", rle)
	}
	// Header keys are lower-cased for the signal extractor.
	if rle.Header("retry-after") != "30" {
		t.Fatalf("retry-after = %q", rle.Header("retry-after"))
	}
	if rle.Header("x-ratelimit-remaining-tokens") != "0" {
		t.Fatalf("remaining = %q", rle.Header("x-ratelimit-remaining-tokens"))
	}
}

func TestMapHTTPErrorTaxonomy(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{401, domain.ErrAuthInvalid},
		{403, domain.ErrAuthInvalid},
		{413, domain.ErrContextOverflow},
		{500, domain.ErrProviderError},
		{502, domain.ErrProviderError},
	}
	for _, tc := range cases {
		err := mapHTTPError("openai", tc.status, []byte("boom"), nil)
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}
