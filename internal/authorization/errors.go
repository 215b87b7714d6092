package authorization

import "errors"

var (
	ErrForbidden           = errors.New("forbidden")
	ErrNotMember           = errors.New("not_member")
	ErrInvalidRole         = errors.New("invalid_role")
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAction       = errors.New("invalid_action")
)
