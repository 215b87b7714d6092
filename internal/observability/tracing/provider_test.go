package tracing

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCredentialKeys(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/api/auth/sign-in/email"),
		attribute.String("session_token", "abc"),
		attribute.String("user.email", "someone@example.com"),
		attribute.Int("http.status_code", 200),
	)

	keys := make([]string, 0, len(attrs))
	for _, attr := range attrs {
		keys = append(keys, string(attr.Key))
	}
	assert.ElementsMatch(t, []string{"http.route", "http.status_code"}, keys)
}

func TestSafeErrorRedactsCredentialPairs(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	assert.EqualError(t, SafeError(errors.New("upstream timeout")), "upstream timeout")
	assert.EqualError(t, SafeError(errors.New("bad request token=abc")), "redacted error")
}

func TestWrapHTTPClientKeepsOriginal(t *testing.T) {
	base := &http.Client{}
	wrapped := WrapHTTPClient(base)

	assert.NotSame(t, base, wrapped)
	assert.Nil(t, base.Transport)
	assert.NotNil(t, wrapped.Transport)
}
