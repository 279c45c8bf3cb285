package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Skryldev/imagegen-server/adapters/encoder"
	"github.com/Skryldev/imagegen-server/batch"
	"github.com/Skryldev/imagegen-server/config"
	"github.com/Skryldev/imagegen-server/core"
	apperrors "github.com/Skryldev/imagegen-server/errors"
	"github.com/Skryldev/imagegen-server/metrics"
	"github.com/Skryldev/imagegen-server/pipeline"
)

// sweepInterval is how often aged batch buckets are flushed.
const sweepInterval = 100 * time.Millisecond

// Pool spawns and supervises the workers, owns the shared request channel
// and mailbox registry, and is the single admission point for generation
// requests.
type Pool struct {
	cfg      config.Config
	factory  pipeline.Factory
	logger   *zap.Logger
	encoders *encoder.Registry

	requests  chan core.Message
	mailboxes *core.MailboxRegistry
	manager   *batch.Manager

	mu       sync.Mutex
	ready    map[int]bool
	active   map[string]struct{}
	shutdown bool

	bannerOnce  sync.Once
	wg          sync.WaitGroup
	cancel      context.CancelFunc
	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewPool wires the pool but starts nothing; call Start.
func NewPool(cfg config.Config, factory pipeline.Factory, encoders *encoder.Registry, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:       cfg,
		factory:   factory,
		logger:    logger.Named("pool"),
		encoders:  encoders,
		requests:  make(chan core.Message, 256),
		mailboxes: core.NewMailboxRegistry(cfg.MailboxSize),
		manager:   batch.NewManager(cfg.BatchTimeout, cfg.MaxBatchSize, cfg.MaxTotalPixels, logger.Named("batch")),
		ready:     make(map[int]bool, cfg.NumWorkers),
		active:    make(map[string]struct{}),
		sweepDone: make(chan struct{}),
	}
}

// Start spawns the workers and, when batching is enabled, the timeout
// sweeper.  It returns immediately; workers report readiness asynchronously.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("starting worker pool", zap.Int("workers", p.cfg.NumWorkers))
	for i := 0; i < p.cfg.NumWorkers; i++ {
		w := &Worker{
			id:             i,
			device:         i,
			modelPath:      p.cfg.ModelPath,
			factory:        p.factory,
			requests:       p.requests,
			mailboxes:      p.mailboxes,
			encoders:       p.encoders,
			jpegQuality:    p.cfg.JPEGQuality,
			chunkThreshold: p.cfg.ChunkThreshold,
			stagger:        p.cfg.StartupStagger,
			onReady:        p.markReady,
			logger:         p.logger.Named(fmt.Sprintf("worker_%d", i)),
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			_ = w.Run(ctx)
		}()
	}

	if p.cfg.BatchingEnabled {
		var sweepCtx context.Context
		sweepCtx, p.sweepCancel = context.WithCancel(ctx)
		go p.sweepLoop(sweepCtx)
		p.logger.Info("prompt batching enabled",
			zap.Duration("batch_timeout", p.cfg.BatchTimeout),
			zap.Int("max_batch_size", p.cfg.MaxBatchSize))
	} else {
		close(p.sweepDone)
		p.logger.Info("prompt batching disabled")
	}
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer close(p.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range p.manager.SweepTimeouts() {
				p.enqueue(b)
				p.logger.Debug("submitted timed-out batch",
					zap.String("batch_id", b.BatchID),
					zap.Int("members", len(b.Prompts)))
			}
		}
	}
}

// Submit admits one request: registers its mailbox, routes it through the
// batch manager (or straight to the request channel when batching is off),
// and returns the per-request event stream plus a release func the caller
// must invoke when done consuming.
func (p *Pool) Submit(req *core.GenerationRequest) (<-chan core.ResultEvent, func(), error) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, nil, apperrors.Wrap(apperrors.CategoryInternal, "pool.submit", apperrors.ErrShuttingDown)
	}
	req.RequestID = uuid.NewString()[:8]
	p.active[req.RequestID] = struct{}{}
	p.mu.Unlock()
	metrics.ActiveRequests.Inc()

	events := p.mailboxes.Register(req.RequestID)
	release := func() {
		p.mailboxes.Unregister(req.RequestID)
		p.mu.Lock()
		delete(p.active, req.RequestID)
		p.mu.Unlock()
		metrics.ActiveRequests.Dec()
	}

	if p.cfg.BatchingEnabled {
		if b := p.manager.Add(req); b != nil {
			p.enqueue(b)
			p.logger.Info("submitted batch",
				zap.String("batch_id", b.BatchID),
				zap.Int("members", len(b.Prompts)),
				zap.String("includes", req.RequestID))
		} else {
			p.logger.Debug("request joined pending batch",
				zap.String("request_id", req.RequestID),
				zap.Bool("stream", req.Stream))
		}
	} else {
		p.enqueue(req)
		p.logger.Info("submitted individual request",
			zap.String("request_id", req.RequestID),
			zap.Bool("stream", req.Stream))
	}
	return events, release, nil
}

func (p *Pool) enqueue(msg core.Message) {
	p.requests <- msg
}

// AwaitCompletion blocks on a non-streaming request's event stream until its
// terminal event arrives.
func (p *Pool) AwaitCompletion(ctx context.Context, events <-chan core.ResultEvent) (*core.CompletedData, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(apperrors.CategoryInternal, "pool.await", ctx.Err())
		case ev := <-events:
			switch ev.Kind {
			case core.EventError:
				return nil, apperrors.Newf(apperrors.CategoryModel, "pool.await", "%s", ev.Error)
			case core.EventCompleted:
				return ev.Completed, nil
			}
			// streaming_step events are impossible for stream=false; skip.
		}
	}
}

// markReady records a worker's readiness transition and prints the ready
// banner exactly once when the last worker reports in.
func (p *Pool) markReady(id int) {
	p.mu.Lock()
	p.ready[id] = true
	readyCount := len(p.ready)
	p.mu.Unlock()
	metrics.WorkersReady.Set(float64(readyCount))

	p.logger.Info("worker ready",
		zap.Int("worker_id", id),
		zap.Int("ready", readyCount),
		zap.Int("total", p.cfg.NumWorkers))
	if readyCount == p.cfg.NumWorkers {
		p.bannerOnce.Do(func() {
			printReadyBanner(p.cfg)
			p.logger.Info("all workers ready")
		})
	}
}

// WorkersReady returns how many workers have loaded their pipeline.
func (p *Pool) WorkersReady() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ready)
}

// TotalWorkers returns the configured worker count.
func (p *Pool) TotalWorkers() int { return p.cfg.NumWorkers }

// IsReady reports whether every worker has loaded its pipeline.
func (p *Pool) IsReady() bool {
	return p.WorkersReady() == p.cfg.NumWorkers && p.cfg.NumWorkers > 0
}

// ActiveRequests returns the number of requests awaiting completion.
func (p *Pool) ActiveRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Shutdown flushes pending batches so queued clients still complete, closes
// the request channel, and waits up to grace for workers to drain.  Workers
// still running after grace are abandoned.
func (p *Pool) Shutdown(grace time.Duration) {
	p.logger.Info("shutting down worker pool")
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.mu.Unlock()

	if p.cfg.BatchingEnabled {
		// Stop the sweeper before flushing so it cannot race the close.
		p.sweepCancel()
		<-p.sweepDone
		for _, b := range p.manager.FlushAll() {
			p.requests <- b
			p.logger.Info("flushed pending batch",
				zap.String("batch_id", b.BatchID),
				zap.Int("members", len(b.Prompts)))
		}
	}
	close(p.requests)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool shutdown complete")
	case <-time.After(grace):
		p.logger.Warn("grace period elapsed, abandoning workers")
		p.cancel()
	}
}

func printReadyBanner(cfg config.Config) {
	line := "================================================================================"
	fmt.Println()
	fmt.Println(line)
	fmt.Println("IMAGEGEN API SERVER READY")
	fmt.Println(line)
	fmt.Printf("All %d worker(s) have loaded the model\n", cfg.NumWorkers)
	fmt.Println("Available endpoints:")
	fmt.Println("   POST /v1/images/generations  - Generate images")
	fmt.Println("   POST /v1/prompt/optimize     - Optimize prompts")
	fmt.Println("   POST /v1/prompt/translate    - Translate prompts")
	fmt.Println("   GET  /v1/models              - List models")
	fmt.Println("   GET  /v1/gallery             - Gallery index")
	fmt.Println("   GET  /health                 - Health check")
	fmt.Println("   GET  /status                 - Detailed status")
	fmt.Println("   GET  /metrics                - Prometheus metrics")
	fmt.Printf("Serving on http://%s:%d\n", cfg.Host, cfg.Port)
	fmt.Println(line)
	fmt.Println()
}
