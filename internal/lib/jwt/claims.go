// Package jwt выпускает и проверяет токены администраторов.
package jwt

import (
	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin роль администратора. Других ролей у API нет.
const RoleAdmin = "admin"

// AdminClaims данные, которые хранятся в токене.
type AdminClaims struct {
	AdminID int64  `json:"admin_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}
