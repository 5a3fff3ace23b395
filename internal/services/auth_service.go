package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stashresearch/server/internal/encryption"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// AuthService определяет интерфейс для сервиса аутентификации.
type AuthService interface {
	Register(ctx context.Context, username, password string) error
	Login(ctx context.Context, username, password string) (string, error) // Возвращает JWT токен или ошибку
	// SetPublicKey сохраняет публичный PGP-ключ пользователя для шифрования колонок encrypt.
	SetPublicKey(ctx context.Context, userID int64, armoredKey string) error
}

// DefaultTokenTTL - время жизни токена по умолчанию.
const DefaultTokenTTL = time.Hour * 24

// TokenIssuer - издатель JWT.
const TokenIssuer = "stash-server"

// Структура для пользовательских данных в JWT (claims).
type jwtClaims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// Убедимся, что authService удовлетворяет интерфейсу AuthService.
var _ AuthService = (*authService)(nil)

type authService struct {
	userRepo repository.UserRepository // Зависимость от репозитория пользователей
	secret   []byte
	tokenTTL time.Duration
}

// NewAuthService создает новый экземпляр сервиса аутентификации.
func NewAuthService(userRepo repository.UserRepository, secret string, tokenTTL time.Duration) AuthService {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &authService{userRepo: userRepo, secret: []byte(secret), tokenTTL: tokenTTL}
}

// Register регистрирует нового пользователя.
func (s *authService) Register(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return ErrInvalidCredentials
	}

	// Хешируем пароль
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("[AuthService] Ошибка хеширования пароля", "username", username, "err", err)
		return errors.New("внутренняя ошибка сервера при хешировании пароля")
	}

	user := &models.User{
		Username:     username,
		PasswordHash: string(hashedPassword),
	}

	_, err = s.userRepo.CreateUser(ctx, user)
	if err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			slog.Info("[AuthService] Попытка регистрации с занятым именем", "username", username)
			return ErrUsernameTaken
		}
		slog.Error("[AuthService] Непредвиденная ошибка репозитория при регистрации", "username", username, "err", err)
		return errors.New("внутренняя ошибка сервера при создании пользователя")
	}

	slog.Info("[AuthService] Пользователь успешно зарегистрирован", "username", username)
	return nil
}

// Login аутентифицирует пользователя и возвращает JWT токен.
func (s *authService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.userRepo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			slog.Info("[AuthService] Попытка входа несуществующего пользователя", "username", username)
			return "", ErrInvalidCredentials // Общая ошибка для несуществующего пользователя и неверного пароля
		}
		slog.Error("[AuthService] Ошибка репозитория при поиске пользователя", "username", username, "err", err)
		return "", errors.New("внутренняя ошибка сервера при поиске пользователя")
	}

	if err = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		slog.Info("[AuthService] Неверный пароль", "username", username)
		return "", ErrInvalidCredentials
	}

	token, err := s.generateJWT(user.ID)
	if err != nil {
		slog.Error("[AuthService] Ошибка генерации JWT", "username", username, "err", err)
		return "", errors.New("внутренняя ошибка сервера при генерации токена")
	}

	slog.Info("[AuthService] Пользователь успешно аутентифицирован", "username", username)
	return token, nil
}

// SetPublicKey проверяет и сохраняет публичный ключ пользователя.
func (s *authService) SetPublicKey(ctx context.Context, userID int64, armoredKey string) error {
	if err := encryption.ValidatePublicKey(armoredKey); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := s.userRepo.UpdatePublicKey(ctx, userID, armoredKey); err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return ErrUserNotFound
		}
		slog.Error("[AuthService] Ошибка сохранения публичного ключа", "userID", userID, "err", err)
		return errors.New("внутренняя ошибка сервера при сохранении ключа")
	}
	slog.Info("[AuthService] Публичный ключ обновлен", "userID", userID)
	return nil
}

// generateJWT создает и подписывает JWT токен для пользователя.
func (s *authService) generateJWT(userID int64) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    TokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("ошибка подписи JWT: %w", err)
	}
	return signedToken, nil
}

// Кастомные ошибки сервиса.
var (
	ErrInvalidCredentials = errors.New("неверное имя пользователя или пароль")
	ErrUsernameTaken      = errors.New("имя пользователя уже занято")
)
