package service

import (
	"context"

	"marketplace_chat/internal/config"
	"marketplace_chat/pkg/jwt"
	"marketplace_chat/pkg/logger"
)

// AuthService отображает уже выпущенный токен в идентичность пользователя.
// Регистрация и выпуск токенов - зона ответственности внешнего
// auth-сервиса маркетплейса
type AuthService interface {
	ValidateToken(ctx context.Context, tokenString string) (string, error)
}

type authService struct {
	jwtCfg config.JWTConfig
	log    logger.Logger
}

func NewAuthService(jwtCfg config.JWTConfig, log logger.Logger) AuthService {
	return &authService{jwtCfg: jwtCfg, log: log}
}

func (s *authService) ValidateToken(_ context.Context, tokenString string) (string, error) {
	claims, err := jwt.Parse(tokenString, s.jwtCfg.AccessSecret)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
