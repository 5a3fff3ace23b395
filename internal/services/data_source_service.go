package services

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/repository"
	"github.com/stashresearch/server/internal/storage"
)

// DataSourceService определяет операции над источниками данных от имени пользователя.
type DataSourceService interface {
	Create(ctx context.Context, ownerID int64, req models.CreateDataSourceRequest) (*models.DataSource, error)
	List(ctx context.Context, ownerID int64) ([]models.DataSource, error)
	Get(ctx context.Context, ownerID, id int64) (*models.DataSourceWithColumns, error)
	Setup(ctx context.Context, ownerID, id int64, req models.SetupRequest) ([]models.Column, error)
	ChangeColumns(
		ctx context.Context,
		ownerID, id int64,
		req models.ColumnsRequest,
		dryRun bool,
	) ([]models.ColumnMapping, error)
	Upload(ctx context.Context, ownerID, id int64, req models.UploadRequest) (*IngestResult, error)
	Data(ctx context.Context, ownerID, id int64, fileID string) (*models.ClientData, error)
	CSV(ctx context.Context, ownerID, id int64, w io.Writer) error
	History(ctx context.Context, ownerID, id int64) ([]models.DataSourceDiff, error)
	Diff(ctx context.Context, ownerID, id, diffID int64) (*models.DataSourceDiff, error)
}

// DefaultProvider - провайдер источника, созданного без явного указания.
const DefaultProvider = "upload"

var _ DataSourceService = (*dataSourceService)(nil)

type dataSourceService struct {
	store     Store
	ingestion *IngestionService
	scheduler Scheduler
}

// NewDataSourceService создает сервис источников данных.
func NewDataSourceService(store Store, ingestion *IngestionService, scheduler Scheduler) DataSourceService {
	return &dataSourceService{store: store, ingestion: ingestion, scheduler: scheduler}
}

// Create создает источник данных, владельцем которого становится ownerID.
func (s *dataSourceService) Create(
	ctx context.Context,
	ownerID int64,
	req models.CreateDataSourceRequest,
) (*models.DataSource, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "название источника не может быть пустым")
	}
	provider := strings.TrimSpace(req.Provider)
	if provider == "" {
		provider = DefaultProvider
	}
	ds := &models.DataSource{OwnerID: ownerID, Name: name, Provider: provider}
	id, err := s.store.Repositories().DataSources.Create(ctx, ds)
	if err != nil {
		return nil, errors.Wrap(err, "создание источника")
	}
	ds.ID = id
	slog.Info("[DataSourceService] Источник создан", "dataSourceID", id, "ownerID", ownerID)
	return ds, nil
}

// List возвращает источники пользователя.
func (s *dataSourceService) List(ctx context.Context, ownerID int64) ([]models.DataSource, error) {
	list, err := s.store.Repositories().DataSources.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "получение списка источников")
	}
	return list, nil
}

// Get возвращает источник вместе с текущими колонками.
func (s *dataSourceService) Get(ctx context.Context, ownerID, id int64) (*models.DataSourceWithColumns, error) {
	repos := s.store.Repositories()
	ds, err := s.owned(ctx, repos, ownerID, id)
	if err != nil {
		return nil, err
	}
	columns, err := repos.Columns.FindCurrent(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "получение колонок")
	}
	return &models.DataSourceWithColumns{DataSource: *ds, ColumnDetails: columns}, nil
}

// Setup задает роли колонок: сначала сбрасывает флаги всех колонок, затем применяет
// запрошенные. Уже сохраненные ячейки не перешифровываются: роли действуют с
// следующего цикла загрузки.
func (s *dataSourceService) Setup(
	ctx context.Context,
	ownerID, id int64,
	req models.SetupRequest,
) ([]models.Column, error) {
	if _, err := s.owned(ctx, s.store.Repositories(), ownerID, id); err != nil {
		return nil, err
	}

	var result []models.Column
	err := s.scheduler.Do(ctx, QueueKey(id), func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(repos repository.Repositories) error {
			if _, err := getDataSource(ctx, repos, id, true); err != nil {
				return err
			}
			current, err := repos.Columns.FindCurrent(ctx, id)
			if err != nil {
				return errors.Wrap(err, "получение колонок")
			}
			planned, err := applySetup(current, req)
			if err != nil {
				return err
			}
			// Снятие флага key выполняется раньше установки: у источника не может
			// быть двух колонок-ключей одновременно.
			ordered := make([]models.Column, 0, len(planned))
			for i := range planned {
				if current[i].Key && !planned[i].Key {
					ordered = append(ordered, planned[i])
				}
			}
			for i := range planned {
				if !(current[i].Key && !planned[i].Key) && planned[i] != current[i] {
					ordered = append(ordered, planned[i])
				}
			}
			for i := range ordered {
				if err = repos.Columns.UpdateFlags(ctx, &ordered[i]); err != nil {
					return errors.Wrapf(err, "обновление колонки %d", ordered[i].ID)
				}
			}
			result = planned
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slog.Info("[DataSourceService] Роли колонок обновлены", "dataSourceID", id)
	return result, nil
}

// applySetup возвращает колонки с новыми флагами или ErrInvalidSetup.
func applySetup(current []models.Column, req models.SetupRequest) ([]models.Column, error) {
	index := make(map[int64]int, len(current))
	planned := make([]models.Column, len(current))
	for i, c := range current {
		index[c.ID] = i
		c.Key, c.Omit, c.Encrypt = false, false, false
		planned[i] = c
	}

	lookup := func(id int64) (int, error) {
		i, ok := index[id]
		if !ok {
			return 0, errors.Wrapf(ErrInvalidSetup, "колонка %d не принадлежит источнику", id)
		}
		return i, nil
	}
	for _, id := range req.Omit {
		i, err := lookup(id)
		if err != nil {
			return nil, err
		}
		planned[i].Omit = true
	}
	for _, id := range req.Encrypt {
		i, err := lookup(id)
		if err != nil {
			return nil, err
		}
		planned[i].Encrypt = true
	}
	if req.Key != nil {
		i, err := lookup(*req.Key)
		if err != nil {
			return nil, err
		}
		if planned[i].Omit || planned[i].Encrypt {
			return nil, errors.Wrapf(ErrInvalidSetup, "колонка-ключ %d не может быть omit или encrypt", *req.Key)
		}
		planned[i].Key = true
	}
	return planned, nil
}

// ChangeColumns явно меняет структуру колонок. Выполняется в очереди источника.
func (s *dataSourceService) ChangeColumns(
	ctx context.Context,
	ownerID, id int64,
	req models.ColumnsRequest,
	dryRun bool,
) ([]models.ColumnMapping, error) {
	if _, err := s.owned(ctx, s.store.Repositories(), ownerID, id); err != nil {
		return nil, err
	}
	var mappings []models.ColumnMapping
	err := s.scheduler.Do(ctx, QueueKey(id), func(ctx context.Context) error {
		var err error
		mappings, err = s.ingestion.RestructureColumns(ctx, id, req, dryRun)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

// Upload загружает снимок, переданный клиентом, и ждет завершения цикла загрузки.
func (s *dataSourceService) Upload(
	ctx context.Context,
	ownerID, id int64,
	req models.UploadRequest,
) (*IngestResult, error) {
	if _, err := s.owned(ctx, s.store.Repositories(), ownerID, id); err != nil {
		return nil, err
	}
	if req.Checksum == nil {
		return nil, &CardinalityError{DataRows: len(req.Data) + 1, Row: -1}
	}

	var result *IngestResult
	err := s.scheduler.Do(ctx, QueueKey(id), func(ctx context.Context) error {
		var err error
		result, err = s.ingestion.Ingest(ctx, IngestRequest{
			DataSourceID: id,
			Grid:         models.NewGridFromUpload(req),
			SourceName:   req.SourceName,
			FromUpload:   true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Data возвращает снимок в формате клиента: текущий или снимок с идентификатором fileID.
func (s *dataSourceService) Data(ctx context.Context, ownerID, id int64, fileID string) (*models.ClientData, error) {
	repos := s.store.Repositories()
	ds, err := s.owned(ctx, repos, ownerID, id)
	if err != nil {
		return nil, err
	}
	columns, err := repos.Columns.FindCurrent(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "получение колонок")
	}

	out := &models.ClientData{Meta: []models.Column{}, Data: []models.ClientRow{}}
	for _, c := range columns {
		if !c.Omit {
			out.Meta = append(out.Meta, c)
		}
	}

	snapshot, err := s.snapshot(ctx, ds, fileID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil || snapshot.Len() == 0 {
		return out, nil
	}

	ids := columnIDsByHeader(snapshot.Header(), columns)
	for _, key := range snapshot.Keys()[1:] {
		values, _ := snapshot.Get(key)
		row := models.ClientRow{Key: models.LogicalKey(key), Cells: make([]models.ClientCell, 0, len(values))}
		for i, v := range values {
			cell := models.ClientCell{Value: v}
			if i < len(ids) {
				cell.ColumnID = ids[i]
			}
			row.Cells = append(row.Cells, cell)
		}
		out.Data = append(out.Data, row)
	}
	return out, nil
}

// CSV записывает текущий снимок в формате CSV. Для источника без снимка ничего не пишет.
func (s *dataSourceService) CSV(ctx context.Context, ownerID, id int64, w io.Writer) error {
	ds, err := s.owned(ctx, s.store.Repositories(), ownerID, id)
	if err != nil {
		return err
	}
	snapshot, err := s.snapshot(ctx, ds, "")
	if err != nil || snapshot == nil {
		return err
	}

	writer := csv.NewWriter(w)
	for _, key := range snapshot.Keys() {
		values, _ := snapshot.Get(key)
		if err = writer.Write(values); err != nil {
			return errors.Wrap(err, "запись CSV")
		}
	}
	writer.Flush()
	return errors.Wrap(writer.Error(), "запись CSV")
}

// History возвращает записи о различиях, новые первыми.
func (s *dataSourceService) History(ctx context.Context, ownerID, id int64) ([]models.DataSourceDiff, error) {
	repos := s.store.Repositories()
	if _, err := s.owned(ctx, repos, ownerID, id); err != nil {
		return nil, err
	}
	history, err := repos.Diffs.ListByDataSource(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "получение истории")
	}
	return history, nil
}

// Diff возвращает одну запись о различиях.
func (s *dataSourceService) Diff(ctx context.Context, ownerID, id, diffID int64) (*models.DataSourceDiff, error) {
	repos := s.store.Repositories()
	if _, err := s.owned(ctx, repos, ownerID, id); err != nil {
		return nil, err
	}
	diff, err := repos.Diffs.GetByID(ctx, id, diffID)
	if err != nil {
		if errors.Is(err, repository.ErrDiffNotFound) {
			return nil, ErrDiffNotFound
		}
		return nil, errors.Wrap(err, "получение записи о различиях")
	}
	return diff, nil
}

// owned возвращает источник, если он принадлежит ownerID.
func (s *dataSourceService) owned(
	ctx context.Context,
	repos repository.Repositories,
	ownerID, id int64,
) (*models.DataSource, error) {
	ds, err := getDataSource(ctx, repos, id, false)
	if err != nil {
		return nil, err
	}
	if ds.OwnerID != ownerID {
		slog.Warn("[DataSourceService] Попытка доступа к чужому источнику", "dataSourceID", id, "userID", ownerID)
		return nil, ErrForbidden
	}
	return ds, nil
}

// snapshot загружает блоб значений. Возвращает nil, если у источника еще нет снимка.
func (s *dataSourceService) snapshot(ctx context.Context, ds *models.DataSource, fileID string) (*models.Snapshot, error) {
	if fileID == "" {
		if ds.FileID == nil {
			return nil, nil
		}
		fileID = *ds.FileID
	}
	if !strings.HasPrefix(fileID, storage.ObjectPrefix(ds.ID)) {
		return nil, ErrForbidden
	}
	started := time.Now()
	snapshot, err := loadSnapshot(ctx, s.ingestion.blobs, fileID)
	if err != nil {
		return nil, err
	}
	slog.Debug("[DataSourceService] Снимок загружен", "fileID", fileID, "duration", time.Since(started))
	return snapshot, nil
}

// columnIDsByHeader сопоставляет имена заголовка снимка с текущими колонками;
// повторяющиеся имена сопоставляются по порядку. Для отсутствующих колонок ID равен 0.
func columnIDsByHeader(header []string, columns []models.Column) []int64 {
	byName := make(map[string][]int64, len(columns))
	for _, c := range columns {
		if !c.Omit {
			byName[c.Name] = append(byName[c.Name], c.ID)
		}
	}
	ids := make([]int64, len(header))
	for i, name := range header {
		if free := byName[name]; len(free) > 0 {
			ids[i] = free[0]
			byName[name] = free[1:]
		}
	}
	return ids
}
