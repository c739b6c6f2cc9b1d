package plugin

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/avauthz/groupd/internal/graph"
	"github.com/avauthz/groupd/internal/observability"
)

// defaultQueueSize is the buffered hook queue size when none is
// configured.
const defaultQueueSize = 1024

// hookKind identifies which hook a queued job invokes.
type hookKind int

const (
	hookUserCreated hookKind = iota
	hookLogError
)

func (k hookKind) String() string {
	switch k {
	case hookUserCreated:
		return "user_created"
	case hookLogError:
		return "log_error"
	default:
		return "unknown"
	}
}

// job is one queued hook invocation.
type job struct {
	kind     hookKind
	user     graph.User
	errEvent *ErrorEvent
}

// Dispatcher delivers lifecycle hooks to registered plugins in
// registration order, asynchronously. Hooks are fire-and-forget: a
// full queue drops the event rather than blocking the mutation path,
// and a panic in one plugin is isolated from the others and from the
// caller.
type Dispatcher struct {
	plugins []Plugin
	logger  observability.Logger
	metrics *Metrics

	queue    chan job
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// DispatcherOption is a functional option for the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherMetrics sets the metrics.
func WithDispatcherMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithQueueSize sets the buffered hook queue size.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan job, n)
		}
	}
}

// NewDispatcher configures every plugin and starts the delivery
// goroutine. Plugins fire in registration order. A Configure failure
// rejects the whole registry so a misconfigured plugin is caught at
// startup, not silently skipped.
func NewDispatcher(info ServiceInfo, plugins []Plugin, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		plugins: plugins,
		logger:  observability.NopLogger(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.queue == nil {
		d.queue = make(chan job, defaultQueueSize)
	}
	if d.metrics == nil {
		d.metrics = NewMetrics("groupd")
	}

	for _, p := range plugins {
		if err := p.Configure(info); err != nil {
			return nil, fmt.Errorf("plugin %s configuration failed: %w", p.Name(), err)
		}
		d.logger.Info("plugin registered",
			observability.String("plugin", p.Name()))
	}

	go d.run()
	return d, nil
}

// UserCreated queues the user-created hook.
func (d *Dispatcher) UserCreated(user graph.User) {
	d.enqueue(job{kind: hookUserCreated, user: user})
}

// LogError queues the error hook.
func (d *Dispatcher) LogError(event *ErrorEvent) {
	if event == nil {
		return
	}
	d.enqueue(job{kind: hookLogError, errEvent: event})
}

// Close stops delivery after draining queued jobs.
func (d *Dispatcher) Close() error {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	<-d.doneCh
	return nil
}

// enqueue adds a job without ever blocking the caller.
func (d *Dispatcher) enqueue(j job) {
	select {
	case <-d.stopCh:
		return
	default:
	}

	select {
	case d.queue <- j:
		d.metrics.SetQueueDepth(len(d.queue))
	default:
		d.metrics.RecordDropped(j.kind.String())
		d.logger.Warn("plugin hook queue full, dropping event",
			observability.String("hook", j.kind.String()))
	}
}

// run delivers queued jobs until Close, then drains the queue.
func (d *Dispatcher) run() {
	defer close(d.doneCh)

	for {
		select {
		case j := <-d.queue:
			d.deliver(j)
		case <-d.stopCh:
			for {
				select {
				case j := <-d.queue:
					d.deliver(j)
				default:
					return
				}
			}
		}
	}
}

// deliver invokes one hook on every plugin in order.
func (d *Dispatcher) deliver(j job) {
	d.metrics.SetQueueDepth(len(d.queue))
	ctx := context.Background()

	for _, p := range d.plugins {
		d.invoke(ctx, p, j)
	}
}

// invoke runs one hook on one plugin, containing panics.
func (d *Dispatcher) invoke(ctx context.Context, p Plugin, j job) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordHook(j.kind.String(), p.Name(), "panic")
			d.logger.Error("plugin hook panicked",
				observability.String("plugin", p.Name()),
				observability.String("hook", j.kind.String()),
				observability.Any("panic", r),
				observability.String("stack", string(debug.Stack())),
			)
		}
	}()

	var err error
	switch j.kind {
	case hookUserCreated:
		err = p.UserCreated(ctx, j.user)
	case hookLogError:
		err = p.LogError(ctx, j.errEvent)
	}

	if err != nil {
		d.metrics.RecordHook(j.kind.String(), p.Name(), "error")
		d.logger.Warn("plugin hook failed",
			observability.String("plugin", p.Name()),
			observability.String("hook", j.kind.String()),
			observability.Error(err),
		)
		return
	}
	d.metrics.RecordHook(j.kind.String(), p.Name(), "ok")
}
