package oauth

import "errors"

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidState     = errors.New("invalid_oauth_state")
	ErrExchangeFailed   = errors.New("oauth_exchange_failed")
	ErrUnverifiedEmail  = errors.New("unverified_email")
)
