package services_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/queue"
	"github.com/stashresearch/server/internal/repository"
	"github.com/stashresearch/server/internal/storage"
)

// memState - содержимое базы в памяти. Структуры хранятся по значению, чтобы
// состояние можно было скопировать для отката транзакции.
type memState struct {
	nextID      int64
	dataSources map[int64]models.DataSource
	columns     []models.Column
	rows        []models.Row
	cells       []models.Cell
	diffs       []models.DataSourceDiff
}

func (s memState) clone() memState {
	out := s
	out.dataSources = make(map[int64]models.DataSource, len(s.dataSources))
	for id, ds := range s.dataSources {
		ds.Columns = slices.Clone(ds.Columns)
		out.dataSources[id] = ds
	}
	out.columns = slices.Clone(s.columns)
	out.rows = slices.Clone(s.rows)
	for i := range out.rows {
		out.rows[i].Cells = slices.Clone(out.rows[i].Cells)
	}
	out.cells = slices.Clone(s.cells)
	out.diffs = slices.Clone(s.diffs)
	return out
}

type memStore struct {
	mu    sync.Mutex
	state memState
	// failOn - имя операции, которая вернет ошибку (для проверки отката).
	failOn string
}

func newMemStore() *memStore {
	return &memStore{state: memState{dataSources: map[int64]models.DataSource{}}}
}

func (m *memStore) id() int64 {
	m.state.nextID++
	return m.state.nextID
}

func (m *memStore) fail(op string) error {
	if m.failOn == op {
		return fmt.Errorf("сбой операции %s", op)
	}
	return nil
}

func (m *memStore) Repositories() repository.Repositories {
	return repository.Repositories{
		DataSources: memDataSources{m},
		Columns:     memColumns{m},
		Rows:        memRows{m},
		Cells:       memCells{m},
		Diffs:       memDiffs{m},
	}
}

func (m *memStore) WithinTx(_ context.Context, fn func(repos repository.Repositories) error) error {
	m.mu.Lock()
	saved := m.state.clone()
	m.mu.Unlock()

	if err := fn(m.Repositories()); err != nil {
		m.mu.Lock()
		m.state = saved
		m.mu.Unlock()
		return err
	}
	return nil
}

// addDataSource создает источник напрямую, минуя сервис.
func (m *memStore) addDataSource(ownerID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.state.dataSources[id] = models.DataSource{ID: id, OwnerID: ownerID, Name: "survey", Provider: "upload"}
	return id
}

func (m *memStore) dataSource(id int64) models.DataSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.dataSources[id]
}

func (m *memStore) allCells() []models.Cell {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.cells)
}

func (m *memStore) allRows() []models.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.rows)
}

func (m *memStore) allColumns() []models.Column {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.state.columns)
}

type memDataSources struct{ m *memStore }

func (r memDataSources) Create(_ context.Context, ds *models.DataSource) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	id := r.m.id()
	stored := *ds
	stored.ID = id
	r.m.state.dataSources[id] = stored
	return id, nil
}

func (r memDataSources) GetByID(_ context.Context, id int64) (*models.DataSource, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ds, ok := r.m.state.dataSources[id]
	if !ok {
		return nil, repository.ErrDataSourceNotFound
	}
	ds.Columns = slices.Clone(ds.Columns)
	return &ds, nil
}

func (r memDataSources) GetByIDForUpdate(ctx context.Context, id int64) (*models.DataSource, error) {
	return r.GetByID(ctx, id)
}

func (r memDataSources) ListByOwner(_ context.Context, ownerID int64) ([]models.DataSource, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.DataSource
	for _, ds := range r.m.state.dataSources {
		if ds.OwnerID == ownerID {
			out = append(out, ds)
		}
	}
	slices.SortFunc(out, func(a, b models.DataSource) int { return int(a.ID - b.ID) })
	return out, nil
}

func (r memDataSources) UpdateSnapshot(_ context.Context, ds *models.DataSource) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.fail("UpdateSnapshot"); err != nil {
		return err
	}
	if _, ok := r.m.state.dataSources[ds.ID]; !ok {
		return repository.ErrDataSourceNotFound
	}
	stored := *ds
	stored.Columns = slices.Clone(ds.Columns)
	r.m.state.dataSources[ds.ID] = stored
	return nil
}

func (r memDataSources) UpdateColumns(_ context.Context, id int64, columns []int64, columnChecksum string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ds, ok := r.m.state.dataSources[id]
	if !ok {
		return repository.ErrDataSourceNotFound
	}
	ds.Columns = slices.Clone(columns)
	ds.ColumnNumber = len(columns)
	ds.ColumnChecksum = &columnChecksum
	r.m.state.dataSources[id] = ds
	return nil
}

type memColumns struct{ m *memStore }

func (r memColumns) Create(_ context.Context, column *models.Column) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stored := *column
	stored.ID = r.m.id()
	r.m.state.columns = append(r.m.state.columns, stored)
	return stored.ID, nil
}

func (r memColumns) FindCurrent(_ context.Context, dataSourceID int64) ([]models.Column, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.Column
	for _, c := range r.m.state.columns {
		if c.DataSourceID == dataSourceID && c.DeletedAt == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r memColumns) UpdateFlags(_ context.Context, column *models.Column) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	idx := -1
	for i, c := range r.m.state.columns {
		if c.ID == column.ID && c.DeletedAt == nil {
			idx = i
			continue
		}
		// Частичный уникальный индекс: одна колонка-ключ на источник.
		if column.Key && c.Key && c.DeletedAt == nil && c.DataSourceID == column.DataSourceID {
			return repository.ErrDuplicateKeyColumn
		}
	}
	if idx < 0 {
		return repository.ErrColumnNotFound
	}
	r.m.state.columns[idx].Key = column.Key
	r.m.state.columns[idx].Omit = column.Omit
	r.m.state.columns[idx].Encrypt = column.Encrypt
	return nil
}

func (r memColumns) Rename(_ context.Context, id int64, name string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i, c := range r.m.state.columns {
		if c.ID == id && c.DeletedAt == nil {
			r.m.state.columns[i].Name = name
			return nil
		}
	}
	return repository.ErrColumnNotFound
}

func (r memColumns) SoftDelete(_ context.Context, id int64, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i, c := range r.m.state.columns {
		if c.ID == id && c.DeletedAt == nil {
			r.m.state.columns[i].DeletedAt = &at
		}
	}
	return nil
}

type memRows struct{ m *memStore }

func (r memRows) Create(_ context.Context, row *models.Row) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stored := *row
	stored.ID = r.m.id()
	r.m.state.rows = append(r.m.state.rows, stored)
	return stored.ID, nil
}

func (r memRows) FindCurrent(_ context.Context, dataSourceID int64) ([]models.Row, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.Row
	for _, row := range r.m.state.rows {
		if row.DataSourceID == dataSourceID && row.DeletedAt == nil {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r memRows) Update(_ context.Context, id int64, checksum string, cells []int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i, row := range r.m.state.rows {
		if row.ID == id && row.DeletedAt == nil {
			r.m.state.rows[i].Checksum = checksum
			r.m.state.rows[i].Cells = slices.Clone(cells)
			return nil
		}
	}
	return errors.New("строка не найдена")
}

func (r memRows) SoftDelete(_ context.Context, id int64, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i, row := range r.m.state.rows {
		if row.ID == id && row.DeletedAt == nil {
			r.m.state.rows[i].DeletedAt = &at
		}
	}
	return nil
}

type memCells struct{ m *memStore }

func (r memCells) Create(_ context.Context, cell *models.Cell) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, c := range r.m.state.cells {
		if c.RowID == cell.RowID && c.ColumnID == cell.ColumnID && c.DeletedAt == nil {
			return 0, repository.ErrCurrentCellExists
		}
	}
	stored := *cell
	stored.ID = r.m.id()
	r.m.state.cells = append(r.m.state.cells, stored)
	return stored.ID, nil
}

func (r memCells) FindCurrentByRow(_ context.Context, rowID int64) ([]models.Cell, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.Cell
	for _, c := range r.m.state.cells {
		if c.RowID == rowID && c.DeletedAt == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r memCells) FindCurrentByDataSource(_ context.Context, dataSourceID int64) ([]models.Cell, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.Cell
	for _, c := range r.m.state.cells {
		if c.DataSourceID == dataSourceID && c.DeletedAt == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r memCells) SoftDelete(_ context.Context, id int64, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i, c := range r.m.state.cells {
		if c.ID == id && c.DeletedAt == nil {
			r.m.state.cells[i].DeletedAt = &at
		}
	}
	return nil
}

func (r memCells) SoftDeleteByRow(_ context.Context, rowID int64, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i, c := range r.m.state.cells {
		if c.RowID == rowID && c.DeletedAt == nil {
			r.m.state.cells[i].DeletedAt = &at
		}
	}
	return nil
}

type memDiffs struct{ m *memStore }

func (r memDiffs) Create(_ context.Context, diff *models.DataSourceDiff) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	stored := *diff
	stored.ID = r.m.id()
	stored.Status = models.DiffStatusPending
	stored.CreatedAt = time.Now()
	r.m.state.diffs = append(r.m.state.diffs, stored)
	return stored.ID, nil
}

func (r memDiffs) GetByID(_ context.Context, dataSourceID, id int64) (*models.DataSourceDiff, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, d := range r.m.state.diffs {
		if d.ID == id && d.DataSourceID == dataSourceID {
			return &d, nil
		}
	}
	return nil, repository.ErrDiffNotFound
}

func (r memDiffs) ListByDataSource(_ context.Context, dataSourceID int64) ([]models.DataSourceDiff, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []models.DataSourceDiff
	for i := len(r.m.state.diffs) - 1; i >= 0; i-- {
		if r.m.state.diffs[i].DataSourceID == dataSourceID {
			out = append(out, r.m.state.diffs[i])
		}
	}
	return out, nil
}

func (r memDiffs) Complete(_ context.Context, diff *models.DataSourceDiff) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i, d := range r.m.state.diffs {
		if d.ID != diff.ID {
			continue
		}
		if d.Status != models.DiffStatusPending {
			return repository.ErrDiffNotPending
		}
		stored := *diff
		stored.Status = models.DiffStatusDone
		r.m.state.diffs[i] = stored
		return nil
	}
	return repository.ErrDiffNotFound
}

func (r memDiffs) Fail(_ context.Context, id int64, reason string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for i, d := range r.m.state.diffs {
		if d.ID == id && d.Status == models.DiffStatusPending {
			r.m.state.diffs[i].Status = models.DiffStatusFailed
			r.m.state.diffs[i].Error = &reason
		}
	}
	return nil
}

// memBlobs - хранилище блобов в памяти.
type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}}
}

func (b *memBlobs) Upload(_ context.Context, dataSourceID int64, data []byte, _ map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := storage.ObjectKey(dataSourceID)
	b.objects[key] = slices.Clone(data)
	return key, nil
}

func (b *memBlobs) Download(_ context.Context, objectKey string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, objectKey)
	}
	return data, nil
}

func (b *memBlobs) remove(objectKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, objectKey)
}

func (b *memBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// fakeEncryptor "шифрует" значение обратимой заменой, оставляя формат PGP сообщения.
type fakeEncryptor struct {
	err   error
	calls int
}

func (e *fakeEncryptor) Encrypt(_ context.Context, plaintext, publicKey string) (string, error) {
	e.calls++
	if e.err != nil {
		return "", e.err
	}
	return "-----BEGIN PGP MESSAGE-----\n" + publicKey + ":" + strings.ToUpper(plaintext) + "\n-----END PGP MESSAGE-----", nil
}

// inlineScheduler выполняет задачи сразу в вызывающей горутине.
type inlineScheduler struct {
	submitted int
	errs      []error
}

func (s *inlineScheduler) Submit(ctx context.Context, _ string, job queue.Job) error {
	s.submitted++
	if err := job(ctx); err != nil {
		s.errs = append(s.errs, err)
	}
	return nil
}

func (s *inlineScheduler) Do(ctx context.Context, _ string, job queue.Job) error {
	return job(ctx)
}

// memUsers - репозиторий пользователей в памяти.
type memUsers struct {
	users map[int64]*models.User
}

func (u *memUsers) CreateUser(_ context.Context, user *models.User) (int64, error) {
	id := int64(len(u.users) + 1)
	stored := *user
	stored.ID = id
	u.users[id] = &stored
	return id, nil
}

func (u *memUsers) GetUserByUsername(_ context.Context, username string) (*models.User, error) {
	for _, user := range u.users {
		if user.Username == username {
			return user, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (u *memUsers) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	user, ok := u.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return user, nil
}

func (u *memUsers) UpdatePublicKey(_ context.Context, id int64, publicKey string) error {
	user, ok := u.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	user.PublicKey = &publicKey
	return nil
}
