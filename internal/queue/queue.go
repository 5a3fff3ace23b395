// Package queue выполняет задачи последовательно в пределах ключа (источника данных)
// и параллельно для разных ключей.
//
// Состоянием очередей владеет одна горутина-диспетчер: запросы, завершения задач и
// остановка приходят к ней через каналы, поэтому общих изменяемых структур нет.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stashresearch/server/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxAttempts     = 3
	defaultInitialInterval = 500 * time.Millisecond
	defaultMaxInterval     = 10 * time.Second
)

// Job - единица работы очереди.
type Job func(ctx context.Context) error

// Config задает параметры повторов.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// JobTimeout ограничивает одну попытку. Ноль - без ограничения.
	JobTimeout time.Duration
}

type request struct {
	key  string
	job  Job
	done chan error // nil для Submit
}

type keyState struct {
	pending []request
	busy    bool
}

// Queue - очередь задач с одним исполнителем на ключ.
type Queue struct {
	cfg      Config
	requests chan request
	finished chan string
	closed   chan struct{}
	started  chan struct{}
}

// New создает очередь. Обработка начинается после вызова Run.
func New(cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}
	return &Queue{
		cfg:      cfg,
		requests: make(chan request),
		finished: make(chan string),
		closed:   make(chan struct{}),
		started:  make(chan struct{}),
	}
}

// Submit ставит задачу в очередь ключа и не ждет ее выполнения.
func (q *Queue) Submit(ctx context.Context, key string, job Job) error {
	return q.enqueue(ctx, request{key: key, job: job})
}

// Do ставит задачу в очередь ключа и ждет результата.
// Отмена ctx прекращает ожидание, но не задачу.
func (q *Queue) Do(ctx context.Context, key string, job Job) error {
	done := make(chan error, 1)
	if err := q.enqueue(ctx, request{key: key, job: job, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) enqueue(ctx context.Context, req request) error {
	select {
	case q.requests <- req:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run запускает диспетчер и блокируется до отмены ctx. Перед возвратом дожидается
// выполняющихся задач, а ожидающие завершает с ErrClosed.
func (q *Queue) Run(ctx context.Context) error {
	select {
	case <-q.started:
		return ErrAlreadyRunning
	default:
		close(q.started)
	}

	// Задачи не должны обрываться вместе с остановкой приема.
	jobCtx := context.WithoutCancel(ctx)
	var workers errgroup.Group
	states := make(map[string]*keyState)
	running := 0

	start := func(key string, st *keyState) {
		req := st.pending[0]
		st.pending = st.pending[1:]
		st.busy = true
		running++
		metrics.GaugeQueueJobsInFlight.Inc()
		workers.Go(func() error {
			err := q.execute(jobCtx, req)
			if req.done != nil {
				req.done <- err
			} else if err != nil {
				slog.Error("[Queue] Задача завершилась ошибкой", "key", req.key, "err", err)
			}
			metrics.GaugeQueueJobsInFlight.Dec()
			q.finished <- req.key
			return nil
		})
	}

	for {
		select {
		case req := <-q.requests:
			st, ok := states[req.key]
			if !ok {
				st = &keyState{}
				states[req.key] = st
			}
			st.pending = append(st.pending, req)
			if !st.busy {
				start(req.key, st)
			}

		case key := <-q.finished:
			running--
			st := states[key]
			st.busy = false
			if len(st.pending) > 0 {
				start(key, st)
			} else {
				delete(states, key)
			}

		case <-ctx.Done():
			close(q.closed)
			for key, st := range states {
				for _, req := range st.pending {
					if req.done != nil {
						req.done <- ErrClosed
					} else {
						slog.Warn("[Queue] Задача отброшена при остановке", "key", req.key)
					}
				}
				st.pending = nil
				if !st.busy {
					delete(states, key)
				}
			}
			slog.Info("[Queue] Остановка, ожидание выполняющихся задач", "running", running)
			for ; running > 0; running-- {
				<-q.finished
			}
			return workers.Wait()
		}
	}
}

// execute выполняет задачу с повторами для временных ошибок.
func (q *Queue) execute(ctx context.Context, req request) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.InitialInterval
	bo.MaxInterval = q.cfg.MaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			metrics.CounterQueueRetries.Inc()
			slog.Warn("[Queue] Повтор задачи", "key", req.key, "attempt", attempt)
		}
		err := q.attempt(withAttempt(ctx, attempt, q.cfg.MaxAttempts), req.job)
		if err == nil {
			return struct{}{}, nil
		}
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(q.cfg.MaxAttempts)))
	return err
}

func (q *Queue) attempt(ctx context.Context, job Job) (err error) {
	if q.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.JobTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrJobPanicked, p)
		}
	}()
	return job(ctx)
}

// Кастомные ошибки очереди.
var (
	ErrClosed         = errors.New("очередь остановлена")
	ErrAlreadyRunning = errors.New("очередь уже запущена")
	ErrJobPanicked    = errors.New("задача завершилась паникой")
)
