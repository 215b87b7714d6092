package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/workspace/internal/audit/domain"
	"github.com/smallbiznis/workspace/internal/auth/domain"
	"github.com/smallbiznis/workspace/internal/auth/password"
)

const maxImageLength = 2048

func (s *Service) GetUser(ctx context.Context, userID snowflake.ID) (*domain.User, error) {
	return s.repo.FindByID(ctx, userID)
}

// VerifyPassword re-checks the password of an authenticated user.
func (s *Service) VerifyPassword(ctx context.Context, userID snowflake.ID, raw string) (*domain.User, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.HasPassword() {
		password.VerifyDummy(raw)
		return nil, domain.ErrInvalidCredentials
	}
	if !password.Verify(raw, *user.PasswordHash) {
		return nil, domain.ErrInvalidCredentials
	}
	return user, nil
}

func (s *Service) UpdateUser(ctx context.Context, userID snowflake.ID, req domain.UpdateUserRequest) (*domain.User, error) {
	fields := map[string]any{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || utf8.RuneCountInString(name) > maxNameLength {
			return nil, domain.ErrInvalidName
		}
		fields["name"] = name
	}
	if req.Image != nil {
		image := strings.TrimSpace(*req.Image)
		if len(image) > maxImageLength {
			return nil, domain.ErrInvalidRequest
		}
		if image == "" {
			fields["image"] = nil
		} else {
			fields["image"] = image
		}
	}
	if len(fields) == 0 {
		return s.repo.FindByID(ctx, userID)
	}
	fields["updated_at"] = s.clock.Now().UTC()
	if err := s.repo.UpdateFields(ctx, userID, fields); err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, userID)
}

// DeleteUser removes the caller's account after re-checking the password.
// Users without a password confirm through their active session alone.
func (s *Service) DeleteUser(ctx context.Context, current *domain.Session, raw string) error {
	if current == nil {
		return domain.ErrInvalidSession
	}
	if !s.policy.Get().AllowAccountDeletion {
		return domain.ErrAccountDeletionBlocked
	}
	user, err := s.repo.FindByID(ctx, current.UserID)
	if err != nil {
		return err
	}
	if user.HasPassword() && !password.Verify(raw, *user.PasswordHash) {
		return domain.ErrInvalidCredentials
	}
	if err := s.repo.Delete(ctx, user.ID); err != nil {
		return err
	}
	s.audit(ctx, user.ID, auditdomain.ActionUserDeleted, nil)
	return nil
}
