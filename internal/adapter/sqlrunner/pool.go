// Package sqlrunner executes dataset tasks on a fixed pool of workers, each
// owning a private SQLite scratch database. Capability results carry
// structured task errors instead of Go errors so callers can always
// distinguish timeouts, network failures, validation failures and SQL
// failures.
package sqlrunner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/filecache"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/observability"
	"github.com/fairyhunter13/ai-data-analyst/internal/adapter/sqltranslate"
	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

const (
	defaultPoolSize    = 4
	defaultTaskTimeout = 300 * time.Second
)

// Config carries the pool knobs. Zero values fall back to the defaults above.
type Config struct {
	Size             int
	Dir              string
	TaskTimeout      time.Duration
	TasksPerRecycle  int
	MemoryLimitMB    int
	AllowPrivateURLs bool
}

// Pool implements domain.WorkerPool.
type Pool struct {
	cfg       Config
	files     *filecache.Cache
	translate *sqltranslate.Translator
	log       *slog.Logger
	client    *http.Client

	tasks     chan *task
	done      chan struct{}
	baseCtx   context.Context
	baseStop  context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type task struct {
	capability string
	deadline   time.Time
	run        func(ctx domain.Context, s *session)
	finished   chan struct{}
}

func New(cfg Config, files *filecache.Cache, translate *sqltranslate.Translator, log *slog.Logger) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = defaultPoolSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "analyst-workers")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=sqlrunner.New: %w", err)
	}
	baseCtx, baseStop := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		files:     files,
		translate: translate,
		log:       log,
		tasks:     make(chan *task),
		done:      make(chan struct{}),
		baseCtx:   baseCtx,
		baseStop:  baseStop,
	}
	p.client = &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return CheckURL(req.Context(), req.URL.String(), cfg.AllowPrivateURLs)
		},
	}
	// Downloads go through the shared file cache; its client must hold the
	// same address-class line as the pool's own probes.
	files.CheckRedirect = func(ctx context.Context, rawURL string) error {
		return CheckURL(ctx, rawURL, cfg.AllowPrivateURLs)
	}
	for i := 0; i < cfg.Size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p, nil
}

// ValidateURL checks scheme, address class, size and content magic for a
// dataset URL without downloading the body.
func (p *Pool) ValidateURL(ctx domain.Context, rawURL string) domain.URLValidation {
	start := time.Now()
	var res domain.URLValidation
	terr := p.submit(ctx, "validate_url", func(tctx domain.Context, _ *session) {
		res = p.validateURL(tctx, rawURL)
	})
	if terr != nil {
		// The worker may still be running the closure; res belongs to it now.
		observability.ObserveWorkerTask("validate_url", outcomeOf(terr), time.Since(start))
		return domain.URLValidation{Err: terr}
	}
	observability.ObserveWorkerTask("validate_url", outcomeOf(res.Err), time.Since(start))
	return res
}

// GetSchema downloads the dataset and reports its columns, types, per-column
// stats and row count.
func (p *Pool) GetSchema(ctx domain.Context, rawURL string) domain.SchemaResult {
	start := time.Now()
	var res domain.SchemaResult
	terr := p.submit(ctx, "get_schema", func(tctx domain.Context, s *session) {
		res = p.getSchema(tctx, s, rawURL)
	})
	if terr != nil {
		observability.ObserveWorkerTask("get_schema", outcomeOf(terr), time.Since(start))
		return domain.SchemaResult{Err: terr}
	}
	observability.ObserveWorkerTask("get_schema", outcomeOf(res.Err), time.Since(start))
	return res
}

// RunQuery loads the referenced datasets into the worker's scratch database
// and executes a read-only query against them.
func (p *Pool) RunQuery(ctx domain.Context, sqlText string, datasets []domain.DatasetRef) domain.QueryResult {
	start := time.Now()
	var res domain.QueryResult
	terr := p.submit(ctx, "run_query", func(tctx domain.Context, s *session) {
		res = p.runQuery(tctx, s, sqlText, datasets)
	})
	if terr != nil {
		observability.ObserveWorkerTask("run_query", outcomeOf(terr), time.Since(start))
		return domain.QueryResult{Err: terr}
	}
	observability.ObserveWorkerTask("run_query", outcomeOf(res.Err), time.Since(start))
	return res
}

// Close interrupts in-flight tasks and waits for the workers to exit.
// Outstanding callers receive a timeout-class error.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.baseStop()
		close(p.done)
		p.wg.Wait()
	})
}

// submit hands the closure to a worker and waits for it to finish. The task
// deadline starts at submission, so time spent queued counts against the
// task budget.
//
// Synchronization contract: state written by run may be read only when
// submit returns nil (the finished channel orders the worker's writes
// before the caller's read). A non-nil return means the task was abandoned
// while possibly still running; the caller must build its own result and
// never touch anything run writes.
func (p *Pool) submit(ctx domain.Context, capability string, run func(domain.Context, *session)) *domain.TaskError {
	t := &task{
		capability: capability,
		deadline:   time.Now().Add(p.cfg.TaskTimeout),
		run:        run,
		finished:   make(chan struct{}),
	}
	queueTimer := time.NewTimer(time.Until(t.deadline))
	defer queueTimer.Stop()
	select {
	case p.tasks <- t:
	case <-p.done:
		return &domain.TaskError{Type: domain.TaskErrTimeout, Message: "worker pool is shutting down"}
	case <-ctx.Done():
		return ctxTaskError(ctx)
	case <-queueTimer.C:
		return &domain.TaskError{
			Type:    domain.TaskErrTimeout,
			Message: fmt.Sprintf("task waited longer than %s for a worker", p.cfg.TaskTimeout),
		}
	}
	select {
	case <-t.finished:
		return nil
	case <-ctx.Done():
		return ctxTaskError(ctx)
	case <-p.done:
		return &domain.TaskError{Type: domain.TaskErrTimeout, Message: "worker pool shut down before the task completed"}
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	log := p.log.With(slog.Int("worker", id))
	var s *session
	served := 0
	for {
		select {
		case <-p.done:
			if s != nil {
				s.close()
			}
			return
		case t := <-p.tasks:
			if s == nil {
				var err error
				if s, err = newSession(p.cfg.Dir, id, p.cfg.MemoryLimitMB); err != nil {
					log.Error("worker session open failed", slog.Any("error", err))
				}
			}
			p.runTask(t, s)
			served++
			if s != nil && p.cfg.TasksPerRecycle > 0 && served >= p.cfg.TasksPerRecycle {
				if err := s.recycle(); err != nil {
					log.Error("worker recycle failed", slog.Any("error", err))
					s.close()
					s = nil
				} else {
					log.Debug("worker recycled", slog.Int("tasks_served", served))
				}
				served = 0
			}
		}
	}
}

func (p *Pool) runTask(t *task, s *session) {
	observability.WorkerTasksInFlight.Inc()
	defer observability.WorkerTasksInFlight.Dec()
	ctx, cancel := context.WithDeadline(p.baseCtx, t.deadline)
	defer cancel()
	t.run(ctx, s)
	close(t.finished)
}

func outcomeOf(terr *domain.TaskError) string {
	if terr == nil {
		return "ok"
	}
	return string(terr.Type)
}

func ctxTaskError(ctx domain.Context) *domain.TaskError {
	if ctx.Err() == context.DeadlineExceeded {
		return &domain.TaskError{Type: domain.TaskErrTimeout, Message: "task deadline exceeded"}
	}
	return &domain.TaskError{Type: domain.TaskErrInternal, Message: "task cancelled: " + ctx.Err().Error()}
}

// timeoutOr returns a timeout task error when ctx expired, otherwise builds
// one of the given type from err.
func (p *Pool) timeoutOr(ctx domain.Context, err error, typ domain.TaskErrorType, prefix string) *domain.TaskError {
	if ctx.Err() == context.DeadlineExceeded {
		return &domain.TaskError{
			Type:    domain.TaskErrTimeout,
			Message: fmt.Sprintf("task exceeded the %s limit", p.cfg.TaskTimeout),
			Details: err.Error(),
		}
	}
	return &domain.TaskError{Type: typ, Message: prefix + ": " + err.Error()}
}
