package repository

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// Repositories объединяет репозитории сущностей источника данных,
// работающие поверх одного соединения или одной транзакции.
type Repositories struct {
	DataSources DataSourceRepository
	Columns     ColumnRepository
	Rows        RowRepository
	Cells       CellRepository
	Diffs       DataSourceDiffRepository
}

// NewRepositories создает набор репозиториев поверх db (это может быть *sqlx.DB или *sqlx.Tx).
func NewRepositories(db sqlx.ExtContext) Repositories {
	return Repositories{
		DataSources: NewPostgresDataSourceRepository(db),
		Columns:     NewPostgresColumnRepository(db),
		Rows:        NewPostgresRowRepository(db),
		Cells:       NewPostgresCellRepository(db),
		Diffs:       NewPostgresDataSourceDiffRepository(db),
	}
}

// Store выдает репозитории и выполняет функции в транзакции.
type Store struct {
	db *sqlx.DB
}

// NewStore создает Store поверх подключения к БД.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Repositories возвращает репозитории без транзакции.
func (s *Store) Repositories() Repositories {
	return NewRepositories(s.db)
}

// WithinTx выполняет fn в транзакции. Транзакция фиксируется, если fn вернула nil,
// и откатывается в противном случае (в том числе при панике).
func (s *Store) WithinTx(ctx context.Context, fn func(repos Repositories) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Error("[Store] Ошибка отката транзакции", "err", rbErr)
			}
		}
	}()

	if err = fn(NewRepositories(tx)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}
