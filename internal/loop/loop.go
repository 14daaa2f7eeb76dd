package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/abcdlsj/vhostsync/pkg/render"
	"github.com/abcdlsj/vhostsync/pkg/service"
	"github.com/abcdlsj/vhostsync/pkg/source"
	"github.com/abcdlsj/vhostsync/pkg/writer"
)

// State is a step of the reconciliation cycle
type State int

const (
	Fetching State = iota
	Reconciling
	Rendering
	Writing
	Waiting
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Reconciling:
		return "reconciling"
	case Rendering:
		return "rendering"
	case Writing:
		return "writing"
	case Waiting:
		return "waiting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Loop fetches metadata, rebuilds the services, renders and writes them,
// then waits for the source to change
type Loop struct {
	src        source.Source
	keys       source.LabelKeys
	reconciler *service.Reconciler
	renderer   render.Renderer
	writer     writer.Writer

	trigger <-chan struct{}
	onState func(State)
	limiter *rate.Limiter
}

// Option configures a Loop
type Option func(*Loop)

// WithTrigger wakes the loop from Waiting whenever ch delivers, in addition
// to source updates
func WithTrigger(ch <-chan struct{}) Option {
	return func(l *Loop) {
		l.trigger = ch
	}
}

// WithMinInterval spaces consecutive cycles at least d apart. Updates that
// arrive sooner are folded into the delayed cycle.
func WithMinInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithStateHook calls fn on every state transition
func WithStateHook(fn func(State)) Option {
	return func(l *Loop) {
		l.onState = fn
	}
}

// New creates a Loop
func New(src source.Source, keys source.LabelKeys, r *service.Reconciler, rd render.Renderer, w writer.Writer, opts ...Option) *Loop {
	l := &Loop{
		src:        src,
		keys:       keys,
		reconciler: r,
		renderer:   rd,
		writer:     w,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run repeats the cycle until ctx is done, which returns nil. Any cycle
// level error stops the loop and is returned.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		if err := l.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		l.enter(Waiting)
		if err := l.wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", source.ErrUnavailable, err)
		}
		log.Debug("Update received")
	}
}

// RunOnce performs a single fetch, reconcile, render and write
func (l *Loop) RunOnce(ctx context.Context) error {
	start := time.Now()

	services, err := l.Services(ctx)
	if err != nil {
		return err
	}

	l.enter(Rendering)
	out, err := l.renderer.Render(services)
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}

	l.enter(Writing)
	if err := l.writer.Write(out); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	log.Info("Configuration written", "services", len(services), "bytes", len(out), "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// Render fetches and reconciles, then renders without writing
func (l *Loop) Render(ctx context.Context) ([]byte, error) {
	services, err := l.Services(ctx)
	if err != nil {
		return nil, err
	}

	l.enter(Rendering)
	out, err := l.renderer.Render(services)
	if err != nil {
		return nil, fmt.Errorf("failed to render configuration: %w", err)
	}
	return out, nil
}

// Services fetches a fresh snapshot and reconciles it. Per-container errors
// are logged and do not fail the call.
func (l *Loop) Services(ctx context.Context) ([]service.Service, error) {
	l.enter(Fetching)
	snap, err := source.Fetch(ctx, l.src, l.keys)
	if err != nil {
		return nil, err
	}

	l.enter(Reconciling)
	services, errs := l.reconciler.Reconcile(snap)
	for _, err := range errs {
		log.Warn("Skipping container", "err", err)
	}
	return services, nil
}

// Pending fetches a fresh snapshot and lists the missing certificates
func (l *Loop) Pending(ctx context.Context) ([]service.CertRequest, error) {
	l.enter(Fetching)
	snap, err := source.Fetch(ctx, l.src, l.keys)
	if err != nil {
		return nil, err
	}
	return l.reconciler.Pending(snap), nil
}

func (l *Loop) enter(s State) {
	log.Debug("Loop state", "state", s)
	if l.onState != nil {
		l.onState(s)
	}
}

// wait blocks on the source, or on the trigger when one is set. The source
// wait is cancelled and joined before returning.
func (l *Loop) wait(ctx context.Context) error {
	if l.trigger == nil {
		return l.src.WaitForUpdate(ctx)
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- l.src.WaitForUpdate(wctx)
	}()

	select {
	case err := <-errc:
		return err
	case <-l.trigger:
		log.Debug("Trigger received")
		cancel()
		<-errc
		return nil
	}
}
