// Package auth проверяет учетные данные администратора и выпускает JWT.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/jwt"
	"github.com/magabrotheeeer/subscription-lifecycle/internal/lib/password"
)

// ErrInvalidCredentials неизвестный администратор или неверный пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenMaker выпускает токены.
type TokenMaker interface {
	GenerateToken(adminID int64, role string) (string, error)
}

// AdminService отвечает за вход в административный API.
//
// У всех администраторов один пароль, его bcrypt-хеш лежит в admin.password_hash.
type AdminService struct {
	adminIDs     map[int64]struct{}
	passwordHash string
	maker        TokenMaker
}

// NewAdminService создает AdminService.
func NewAdminService(adminIDs []int64, passwordHash string, maker TokenMaker) *AdminService {
	ids := make(map[int64]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		ids[id] = struct{}{}
	}
	return &AdminService{
		adminIDs:     ids,
		passwordHash: passwordHash,
		maker:        maker,
	}
}

// Login проверяет администратора и пароль и возвращает токен.
func (s *AdminService) Login(_ context.Context, adminID int64, rawPassword string) (string, error) {
	const op = "auth.Login"
	if _, ok := s.adminIDs[adminID]; !ok || s.passwordHash == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}
	if err := password.CompareHash(s.passwordHash, rawPassword); err != nil {
		if errors.Is(err, password.ErrMismatch) {
			return "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}
	token, err := s.maker.GenerateToken(adminID, jwt.RoleAdmin)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}
