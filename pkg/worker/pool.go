// Package worker runs a pool of scan workers.
//
// Each worker owns at most one run at a time. It claims the oldest run a node
// can serve, executes it to completion and claims again. Workers that find
// nothing to claim sleep for IdleDelay before the next attempt.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/zapcontrol/pkg/audit"
	"github.com/exploopio/zapcontrol/pkg/core"
	"github.com/exploopio/zapcontrol/pkg/model"
)

// Runner claims and executes runs. *engine.Engine implements it.
type Runner interface {
	Claim(ctx context.Context, holder string) (*model.RunContext, error)
	Execute(ctx context.Context, rc *model.RunContext) (*model.ScanRun, error)
}

// Default values for Config.
const (
	DefaultWorkers    = 2
	DefaultIdleDelay  = 5 * time.Second
	DefaultErrorDelay = 10 * time.Second
)

// Config configures a Pool.
type Config struct {
	// Workers is the number of concurrent workers. Default: 2.
	Workers int `yaml:"workers" json:"workers"`

	// IdleDelay is the pause after a claim that found nothing. Default: 5s.
	IdleDelay time.Duration `yaml:"idle_delay" json:"idle_delay"`

	// ErrorDelay is the pause after a claim that failed. Default: 10s.
	ErrorDelay time.Duration `yaml:"error_delay" json:"error_delay"`

	// Name prefixes worker holder identities. Default: "worker".
	Name string `yaml:"name" json:"name"`

	// OnRunFinished is called after each executed run.
	OnRunFinished func(holder string, run *model.ScanRun, err error) `yaml:"-" json:"-"`

	Audit  audit.Recorder `yaml:"-" json:"-"`
	Logger core.Logger    `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Workers:    DefaultWorkers,
		IdleDelay:  DefaultIdleDelay,
		ErrorDelay: DefaultErrorDelay,
		Name:       "worker",
	}
}

// Pool runs workers that claim and execute scan runs.
type Pool struct {
	runner Runner
	config *Config
	logger core.Logger
	audit  audit.Recorder

	running int32 // atomic
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex

	active    int32 // atomic
	executed  int64 // atomic
	failed    int64 // atomic
	idleLoops int64 // atomic
}

// NewPool creates a Pool.
func NewPool(runner Runner, config *Config) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}
	if config.IdleDelay <= 0 {
		config.IdleDelay = DefaultIdleDelay
	}
	if config.ErrorDelay <= 0 {
		config.ErrorDelay = DefaultErrorDelay
	}
	if config.Name == "" {
		config.Name = "worker"
	}
	rec := config.Audit
	if rec == nil {
		rec = audit.Nop{}
	}

	return &Pool{
		runner: runner,
		config: config,
		logger: core.OrDefault(config.Logger, "worker"),
		audit:  rec,
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers. Runs in flight are canceled when ctx is
// canceled, which marks them failed.
func (p *Pool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return fmt.Errorf("worker pool already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})
	p.mu.Lock()
	p.stopCh = stopCh
	p.cancel = cancel
	p.mu.Unlock()

	p.logger.Info("starting %d workers", p.config.Workers)
	for i := 0; i < p.config.Workers; i++ {
		holder := fmt.Sprintf("%s-%s", p.config.Name, uuid.NewString())
		p.wg.Add(1)
		go p.loop(runCtx, stopCh, holder)
	}
	return nil
}

// Stop stops claiming new runs and waits up to timeout for runs in flight.
// When the timeout expires, the remaining runs are canceled and marked
// failed, and an error is returned once they have been recorded.
func (p *Pool) Stop(timeout time.Duration) error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return nil
	}

	p.mu.Lock()
	close(p.stopCh)
	cancel := p.cancel
	p.mu.Unlock()
	defer cancel()

	p.logger.Info("stopping, waiting for %d active runs", p.Active())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		aborted := p.Active()
		cancel()
		<-done
		return fmt.Errorf("timed out waiting for runs to complete, %d aborted", aborted)
	}
}

// Active returns the number of runs currently executing.
func (p *Pool) Active() int {
	return int(atomic.LoadInt32(&p.active))
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Active    int   `json:"active"`
	Executed  int64 `json:"executed"`
	Failed    int64 `json:"failed"`
	IdleLoops int64 `json:"idle_loops"`
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Active:    p.Active(),
		Executed:  atomic.LoadInt64(&p.executed),
		Failed:    atomic.LoadInt64(&p.failed),
		IdleLoops: atomic.LoadInt64(&p.idleLoops),
	}
}

func (p *Pool) loop(ctx context.Context, stop <-chan struct{}, holder string) {
	defer p.wg.Done()

	p.audit.Log(audit.Event{Type: audit.EventWorkerStart, Message: holder})
	defer p.audit.Log(audit.Event{Type: audit.EventWorkerStop, Message: holder})
	p.logger.Debug("%s started", holder)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		delay := p.once(ctx, holder)
		if delay == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

// once claims and executes a single run and returns how long to wait before
// the next claim.
func (p *Pool) once(ctx context.Context, holder string) time.Duration {
	rc, err := p.runner.Claim(ctx, holder)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		p.logger.Error("%s: claim failed: %v", holder, err)
		return p.config.ErrorDelay
	}
	if rc == nil {
		atomic.AddInt64(&p.idleLoops, 1)
		return p.config.IdleDelay
	}

	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	run, err := p.runner.Execute(ctx, rc)
	atomic.AddInt64(&p.executed, 1)
	if err != nil {
		atomic.AddInt64(&p.failed, 1)
		p.logger.Warn("%s: run %d failed: %v", holder, rc.Run.ID, err)
	}
	if p.config.OnRunFinished != nil {
		p.config.OnRunFinished(holder, run, err)
	}
	return 0
}
