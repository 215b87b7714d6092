// Package redirect validates client supplied callback URLs against the
// application base URL and the trusted origin list.
package redirect

import (
	"net/url"
	"strings"

	"github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/config"
)

type Validator struct {
	base    *url.URL
	origins map[string]struct{}
}

func NewValidator(cfg config.Config) (*Validator, error) {
	base, err := url.Parse(cfg.AppBaseURL)
	if err != nil {
		return nil, err
	}
	v := &Validator{base: base, origins: map[string]struct{}{}}
	v.origins[origin(base)] = struct{}{}
	for _, raw := range cfg.TrustedOrigins {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Host == "" {
			continue
		}
		v.origins[origin(u)] = struct{}{}
	}
	return v, nil
}

// Resolve returns an absolute URL for raw, falling back to fallback when raw
// is empty. Relative paths resolve against the base URL. Absolute URLs must
// point at a trusted origin.
func (v *Validator) Resolve(raw, fallback string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}
	if raw == "" {
		return v.base.String(), nil
	}
	if strings.ContainsAny(raw, "\\\r\n") {
		return "", domain.ErrInvalidCallbackURL
	}
	if strings.HasPrefix(raw, "/") {
		if strings.HasPrefix(raw, "//") {
			return "", domain.ErrInvalidCallbackURL
		}
		ref, err := url.Parse(raw)
		if err != nil {
			return "", domain.ErrInvalidCallbackURL
		}
		return v.base.ResolveReference(ref).String(), nil
	}

	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", domain.ErrInvalidCallbackURL
	}
	if _, ok := v.origins[origin(u)]; !ok {
		return "", domain.ErrInvalidCallbackURL
	}
	return u.String(), nil
}

// Link builds an absolute URL on the base URL with the given query.
func (v *Validator) Link(path string, query url.Values) string {
	u := *v.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// WithQuery appends query values to an already resolved URL.
func WithQuery(target string, query url.Values) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	for k, vals := range query {
		for _, val := range vals {
			q.Add(k, val)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
