package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stashresearch/server/internal/models"
)

// UserRepository определяет методы для работы с данными пользователей в хранилище.
type UserRepository interface {
	CreateUser(ctx context.Context, user *models.User) (int64, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	UpdatePublicKey(ctx context.Context, id int64, publicKey string) error
}

// postgresUserRepository реализует UserRepository для PostgreSQL.
type postgresUserRepository struct {
	db sqlx.ExtContext
}

// NewPostgresUserRepository создает новый экземпляр репозитория пользователей для PostgreSQL.
func NewPostgresUserRepository(db sqlx.ExtContext) UserRepository {
	return &postgresUserRepository{db: db}
}

const userColumns = `id, username, password_hash, public_key, created_at, updated_at`

// CreateUser создает нового пользователя в базе данных.
// Возвращает ID созданного пользователя или ошибку.
func (r *postgresUserRepository) CreateUser(ctx context.Context, user *models.User) (int64, error) {
	query := `INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id`
	var userID int64

	err := r.db.QueryRowxContext(ctx, query, user.Username, user.PasswordHash).Scan(&userID)
	if err != nil {
		// Проверяем на ошибку нарушения уникальности (duplicate key)
		var pgErr *pq.Error
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolationCode {
			slog.Warn("[UserRepo] Имя пользователя уже занято", "username", user.Username)
			return 0, ErrUsernameTaken
		}
		slog.Error("[UserRepo] Непредвиденная ошибка при создании пользователя", "username", user.Username, "err", err)
		return 0, fmt.Errorf("ошибка выполнения запроса на создание пользователя: %w", err)
	}

	slog.Info("[UserRepo] Пользователь создан", "username", user.Username, "userID", userID)
	return userID, nil
}

// GetUserByUsername находит пользователя по его имени.
func (r *postgresUserRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username)
}

// GetUserByID находит пользователя по ID.
func (r *postgresUserRepository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return r.get(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
}

func (r *postgresUserRepository) get(ctx context.Context, query string, arg any) (*models.User, error) {
	var user models.User
	err := sqlx.GetContext(ctx, r.db, &user, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			slog.Warn("[UserRepo] Пользователь не найден", "lookup", arg)
			return nil, ErrUserNotFound
		}
		slog.Error("[UserRepo] Ошибка при поиске пользователя", "lookup", arg, "err", err)
		return nil, fmt.Errorf("ошибка выполнения запроса на получение пользователя: %w", err)
	}
	return &user, nil
}

// UpdatePublicKey сохраняет armored PGP публичный ключ пользователя.
func (r *postgresUserRepository) UpdatePublicKey(ctx context.Context, id int64, publicKey string) error {
	query := `UPDATE users SET public_key=$2, updated_at=NOW() WHERE id=$1`
	res, err := r.db.ExecContext(ctx, query, id, publicKey)
	if err != nil {
		return fmt.Errorf("ошибка выполнения запроса на обновление ключа: %w", err)
	}
	return expectOneRow(res, ErrUserNotFound)
}

// Кастомные ошибки репозитория.
var (
	ErrUserNotFound  = errors.New("пользователь не найден")
	ErrUsernameTaken = errors.New("имя пользователя уже занято")
)
