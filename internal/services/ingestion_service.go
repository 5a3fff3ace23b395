package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/stashresearch/server/internal/checksum"
	"github.com/stashresearch/server/internal/encryption"
	"github.com/stashresearch/server/internal/metrics"
	"github.com/stashresearch/server/internal/models"
	"github.com/stashresearch/server/internal/queue"
	"github.com/stashresearch/server/internal/repository"
	"github.com/stashresearch/server/internal/storage"
)

// Store выдает репозитории и выполняет функции в транзакции.
type Store interface {
	Repositories() repository.Repositories
	WithinTx(ctx context.Context, fn func(repos repository.Repositories) error) error
}

// Scheduler - очередь задач с одним исполнителем на ключ.
type Scheduler interface {
	Submit(ctx context.Context, key string, job queue.Job) error
	Do(ctx context.Context, key string, job queue.Job) error
}

var (
	_ Store     = (*repository.Store)(nil)
	_ Scheduler = (*queue.Queue)(nil)
)

// QueueKey возвращает ключ очереди источника данных.
func QueueKey(dataSourceID int64) string {
	return "data_source:" + strconv.FormatInt(dataSourceID, 10)
}

// IngestRequest - новый снимок источника.
type IngestRequest struct {
	DataSourceID int64
	Grid         models.Grid
	SourceName   string
	// FromUpload - загрузка клиентом: значения колонок encrypt, уже зашифрованные
	// клиентом, сохраняются как есть.
	FromUpload bool
}

// IngestResult - итог цикла загрузки.
type IngestResult struct {
	DataSource *models.DataSource `json:"data_source"`
	Changed    bool               `json:"changed"`
	DiffID     *int64             `json:"diff_id,omitempty"`
	Stats      MergeStats         `json:"stats"`
}

// IngestionService выполняет цикл загрузки снимка: проверка структуры, сопоставление
// колонок, слияние строк и ячеек, сохранение блобов и постановка расчета различий.
type IngestionService struct {
	store     Store
	blobs     storage.BlobStore
	users     repository.UserRepository
	encryptor encryption.Provider
	scheduler Scheduler
	diffs     *DiffGenerator
	now       func() time.Time
}

// NewIngestionService создает сервис загрузки.
func NewIngestionService(
	store Store,
	blobs storage.BlobStore,
	users repository.UserRepository,
	encryptor encryption.Provider,
	scheduler Scheduler,
) *IngestionService {
	return &IngestionService{
		store:     store,
		blobs:     blobs,
		users:     users,
		encryptor: encryptor,
		scheduler: scheduler,
		diffs:     NewDiffGenerator(blobs),
		now:       time.Now,
	}
}

// Ingest выполняет один цикл загрузки. Вызывающий отвечает за то, чтобы циклы
// одного источника не выполнялись параллельно (см. Scheduler).
func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	result, err := s.ingest(ctx, req)
	metrics.HistogramIngestionDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil && isRejection(err):
		metrics.CounterIngestions.WithLabelValues(metrics.OutcomeRejected).Inc()
		slog.Warn("[Ingestion] Снимок отклонен", "dataSourceID", req.DataSourceID, "err", err)
		return nil, err
	case err != nil:
		metrics.CounterIngestions.WithLabelValues(metrics.OutcomeFailed).Inc()
		slog.Error("[Ingestion] Ошибка цикла загрузки", "dataSourceID", req.DataSourceID, "err", err)
		return nil, err
	case result.Changed:
		metrics.CounterIngestions.WithLabelValues(metrics.OutcomeChanged).Inc()
	default:
		metrics.CounterIngestions.WithLabelValues(metrics.OutcomeUnchanged).Inc()
	}

	if result.DiffID != nil {
		s.scheduleDiff(ctx, req.DataSourceID, *result.DiffID)
	}
	return result, nil
}

func (s *IngestionService) ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	header, values, supplied, err := normalizeGrid(req.Grid)
	if err != nil {
		return nil, err
	}
	rows, sums := fillChecksums(header, values, supplied)
	now := s.now().UTC()

	result := &IngestResult{}
	err = s.store.WithinTx(ctx, func(repos repository.Repositories) error {
		ds, err := getDataSource(ctx, repos, req.DataSourceID, true)
		if err != nil {
			return err
		}
		previous, err := repos.Columns.FindCurrent(ctx, ds.ID)
		if err != nil {
			return errors.Wrap(err, "получение колонок")
		}
		if err = CheckStructure(previous, header); err != nil {
			return err
		}
		state, err := LoadCurrentState(ctx, repos, ds.ID)
		if err != nil {
			return err
		}

		plan := PlanColumns(ReconcileInput{
			Previous:      previous,
			Header:        header,
			Values:        rows,
			Checksums:     sums,
			PreviousRows:  state.Rows,
			PreviousCells: state.Cells,
		})
		flagged := plannedColumns(plan)

		opts := snapshotOptions{FromUpload: req.FromUpload, Encryptor: s.encryptor}
		if hasEncrypted(flagged) {
			if opts.PublicKey, err = s.ownerPublicKey(ctx, ds.OwnerID); err != nil {
				return err
			}
		}
		// Все проверки (ключи, шифрование) выполняются до первой записи.
		snap, err := prepareSnapshot(ctx, header, flagged, rows, sums, opts)
		if err != nil {
			return err
		}

		aligned, err := ApplyColumnPlan(ctx, repos.Columns, ds.ID, plan, now)
		if err != nil {
			return err
		}
		result.Stats, err = MergeRows(ctx, repos, ds.ID, state, toMergeRows(snap.Rows, aligned), now)
		if err != nil {
			return err
		}

		ds.Columns = columnIDs(aligned)
		ds.ColumnNumber = len(aligned)
		ds.ColumnChecksum = ptr(checksum.OfSlice(header))
		ds.RowNumber = len(rows)
		ds.LastDownloadedAt = &now
		if req.SourceName != "" {
			ds.SourceName = ptr(req.SourceName)
		}

		result.Changed = ds.DataChecksum == nil || *ds.DataChecksum != snap.DataChecksum
		if result.Changed {
			if result.DiffID, err = s.storeSnapshot(ctx, repos, ds, snap, now); err != nil {
				return err
			}
		} else {
			slog.Debug("[Ingestion] Данные не изменились", "dataSourceID", ds.ID, "dataChecksum", snap.DataChecksum)
		}

		if err = repos.DataSources.UpdateSnapshot(ctx, ds); err != nil {
			return errors.Wrap(err, "обновление источника")
		}
		result.DataSource = ds
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("[Ingestion] Снимок загружен", "dataSourceID", req.DataSourceID,
		"rows", len(rows), "changed", result.Changed)
	return result, nil
}

// storeSnapshot сохраняет блобы снимка, переключает указатели источника и, если
// предыдущий снимок существовал, создает запись о различиях.
func (s *IngestionService) storeSnapshot(
	ctx context.Context,
	repos repository.Repositories,
	ds *models.DataSource,
	snap *preparedSnapshot,
	now time.Time,
) (*int64, error) {
	previous := ds.HasSnapshot()
	var prevPair SnapshotPair
	if previous {
		prevPair = SnapshotPair{FileID: *ds.FileID, ChecksumID: *ds.ChecksumID}
	}

	fileID, err := s.upload(ctx, ds.ID, snap.Data, "data")
	if err != nil {
		return nil, err
	}
	checksumID, err := s.upload(ctx, ds.ID, snap.Checksums, "checksum")
	if err != nil {
		return nil, err
	}
	ds.FileID = &fileID
	ds.ChecksumID = &checksumID
	ds.DataChecksum = ptr(snap.DataChecksum)
	ds.LastModifiedAt = &now

	if !previous {
		return nil, nil
	}
	diffID, err := repos.Diffs.Create(ctx, &models.DataSourceDiff{
		DataSourceID:       ds.ID,
		PreviousFileID:     prevPair.FileID,
		PreviousChecksumID: prevPair.ChecksumID,
		FileID:             fileID,
		ChecksumID:         checksumID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "создание записи о различиях")
	}
	return &diffID, nil
}

func (s *IngestionService) upload(ctx context.Context, dataSourceID int64, snap *models.Snapshot, kind string) (string, error) {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return "", errors.Wrapf(err, "сериализация снимка (%s)", kind)
	}
	id, err := s.blobs.Upload(ctx, dataSourceID, encoded, map[string]string{
		"data-source-id": strconv.FormatInt(dataSourceID, 10),
		"kind":           kind,
	})
	if err != nil {
		return "", errors.Wrapf(err, "сохранение снимка (%s)", kind)
	}
	return id, nil
}

func (s *IngestionService) ownerPublicKey(ctx context.Context, ownerID int64) (string, error) {
	owner, err := s.users.GetUserByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", errors.Wrapf(ErrUserNotFound, "владелец %d", ownerID)
		}
		return "", errors.Wrap(err, "получение владельца источника")
	}
	if owner.PublicKey == nil || *owner.PublicKey == "" {
		return "", errors.Wrap(ErrEncryptionFailure, encryption.ErrNoPublicKey.Error())
	}
	return *owner.PublicKey, nil
}

func (s *IngestionService) scheduleDiff(ctx context.Context, dataSourceID, diffID int64) {
	job := func(jobCtx context.Context) error {
		return s.ProcessDiff(jobCtx, dataSourceID, diffID)
	}
	if err := s.scheduler.Submit(context.WithoutCancel(ctx), QueueKey(dataSourceID), job); err != nil {
		slog.Error("[Ingestion] Не удалось поставить расчет различий в очередь",
			"dataSourceID", dataSourceID, "diffID", diffID, "err", err)
	}
}

// ProcessDiff рассчитывает различия для записи в статусе pending и сохраняет результат.
// Временные ошибки возвращаются очереди для повтора; после последней попытки и при
// остальных ошибках запись переводится в статус failed.
func (s *IngestionService) ProcessDiff(ctx context.Context, dataSourceID, diffID int64) error {
	repos := s.store.Repositories()
	diff, err := repos.Diffs.GetByID(ctx, dataSourceID, diffID)
	if err != nil {
		return errors.Wrapf(err, "получение записи о различиях %d", diffID)
	}
	if diff.Status != models.DiffStatusPending {
		return nil
	}

	result, err := s.diffs.Generate(ctx,
		SnapshotPair{FileID: diff.PreviousFileID, ChecksumID: diff.PreviousChecksumID},
		SnapshotPair{FileID: diff.FileID, ChecksumID: diff.ChecksumID},
	)
	if err != nil {
		attempt := queue.Attempt(ctx)
		if queue.IsRetryable(err) && !queue.IsLastAttempt(ctx) {
			slog.Warn("[Ingestion] Временная ошибка расчета различий", "diffID", diffID, "attempt", attempt, "err", err)
			return err
		}
		metrics.CounterDiffs.WithLabelValues(models.DiffStatusFailed).Inc()
		reason := err.Error()
		if attempt > 0 {
			reason = fmt.Sprintf("%s (попытка %d)", reason, attempt)
		}
		if failErr := repos.Diffs.Fail(ctx, diffID, reason); failErr != nil {
			slog.Error("[Ingestion] Не удалось отметить ошибку расчета", "diffID", diffID, "err", failErr)
		}
		return err
	}

	diff.AddedRowIDs = result.AddedRowIDs
	diff.DeletedRowIDs = result.DeletedRowIDs
	diff.DeletedRows = result.DeletedRows
	diff.CellValueChanges = result.CellValueChanges
	diff.Message = result.Message
	if err = repos.Diffs.Complete(ctx, diff); err != nil {
		return errors.Wrapf(err, "сохранение различий %d", diffID)
	}
	metrics.CounterDiffs.WithLabelValues(models.DiffStatusDone).Inc()
	slog.Info("[Ingestion] Различия рассчитаны", "dataSourceID", dataSourceID, "diffID", diffID, "message", result.Message)
	return nil
}

// RestructureColumns явно меняет структуру колонок: проверка структуры не выполняется,
// переименования распознаются по контрольным суммам переданных строк.
// При dryRun план возвращается без изменений в БД.
func (s *IngestionService) RestructureColumns(
	ctx context.Context,
	dataSourceID int64,
	req models.ColumnsRequest,
	dryRun bool,
) ([]models.ColumnMapping, error) {
	grid := models.Grid{Values: append([][]string{req.ColumnNames}, req.Data...)}
	if req.Checksum != nil {
		grid.Checksums = append([][]string{req.ColumnNames}, req.Checksum...)
	}
	header, values, supplied, err := normalizeGrid(grid)
	if err != nil {
		return nil, err
	}
	rows, sums := fillChecksums(header, values, supplied)
	now := s.now().UTC()

	var mappings []models.ColumnMapping
	err = s.store.WithinTx(ctx, func(repos repository.Repositories) error {
		ds, err := getDataSource(ctx, repos, dataSourceID, true)
		if err != nil {
			return err
		}
		previous, err := repos.Columns.FindCurrent(ctx, ds.ID)
		if err != nil {
			return errors.Wrap(err, "получение колонок")
		}
		state, err := LoadCurrentState(ctx, repos, ds.ID)
		if err != nil {
			return err
		}
		plan := PlanColumns(ReconcileInput{
			Previous:      previous,
			Header:        header,
			Values:        rows,
			Checksums:     sums,
			PreviousRows:  state.Rows,
			PreviousCells: state.Cells,
		})
		mappings = plan.Mappings
		if dryRun {
			return nil
		}

		aligned, err := ApplyColumnPlan(ctx, repos.Columns, ds.ID, plan, now)
		if err != nil {
			return err
		}
		for i := range mappings {
			column := aligned[i]
			mappings[i].Column = &column
		}
		return repos.DataSources.UpdateColumns(ctx, ds.ID, columnIDs(aligned), checksum.OfSlice(header))
	})
	if err != nil {
		return nil, err
	}
	return mappings, nil
}

func getDataSource(
	ctx context.Context,
	repos repository.Repositories,
	id int64,
	forUpdate bool,
) (*models.DataSource, error) {
	var (
		ds  *models.DataSource
		err error
	)
	if forUpdate {
		ds, err = repos.DataSources.GetByIDForUpdate(ctx, id)
	} else {
		ds, err = repos.DataSources.GetByID(ctx, id)
	}
	if err != nil {
		if errors.Is(err, repository.ErrDataSourceNotFound) {
			return nil, ErrDataSourceNotFound
		}
		return nil, errors.Wrap(err, "получение источника")
	}
	return ds, nil
}

// plannedColumns возвращает колонки по позициям заголовка; новые колонки без ролей.
func plannedColumns(plan ColumnPlan) []models.Column {
	out := make([]models.Column, len(plan.Mappings))
	for i, m := range plan.Mappings {
		if m.Column != nil {
			out[i] = *m.Column
		} else {
			out[i] = models.Column{Name: m.Name}
		}
	}
	return out
}

func hasEncrypted(columns []models.Column) bool {
	for _, c := range columns {
		if c.Encrypt && !c.Omit {
			return true
		}
	}
	return false
}

func toMergeRows(rows []preparedRow, columns []models.Column) []MergeRow {
	out := make([]MergeRow, len(rows))
	for i, r := range rows {
		cells := make([]MergeCell, len(r.Cells))
		for n, c := range r.Cells {
			column := columns[c.Position]
			cells[n] = MergeCell{ColumnID: column.ID, Value: c.Value, Checksum: c.Checksum, Encrypted: column.Encrypt}
		}
		out[i] = MergeRow{Key: r.Key, Checksum: r.Checksum, Cells: cells}
	}
	return out
}

func columnIDs(columns []models.Column) []int64 {
	ids := make([]int64, len(columns))
	for i, c := range columns {
		ids[i] = c.ID
	}
	return ids
}

func isRejection(err error) bool {
	return errors.Is(err, ErrStructuralChange) ||
		errors.Is(err, ErrCardinalityMismatch) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrEmptyGrid)
}

func ptr[T any](v T) *T { return &v }
