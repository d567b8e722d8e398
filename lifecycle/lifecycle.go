// Package lifecycle implements the Service Lifecycle common component
// (§4.10): a signal-driven startup/shutdown sequence shared by every
// trac-* process.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Exit codes per spec §6.
const (
	ExitNormal      = 0
	ExitFatal       = -1
	ExitInterrupted = -2
)

// Service is one lifecycle-managed component. Startup and Shutdown each run
// under a watchdog: Run stops waiting on Startup after StartupTimeout, and on
// Shutdown after its share of the budget plus the grace period, per §4.10.
type Service struct {
	Name             string
	Startup          func(ctx context.Context) error
	Shutdown         func(ctx context.Context) error
	StartupTimeout   time.Duration
	ShutdownTimeout  time.Duration
}

// Runner drives a set of Services through startup, waits for a termination
// signal, then shuts them down in reverse order, each under its own deadline
// carved from the overall shutdown budget. Grounded on cli/root.go's
// signal.Notify/context.WithTimeout pair, generalized from "one echo server"
// to N Services started one after another in the order given. RunGroup,
// below, is the errgroup-based helper for long-lived goroutines.
type Runner struct {
	services        []Service
	ShutdownBudget  time.Duration
	GracePeriod     time.Duration
	log             *logrus.Entry
}

// NewRunner builds a Runner over services, started in the order given.
func NewRunner(log *logrus.Entry, shutdownBudget, gracePeriod time.Duration, services ...Service) *Runner {
	return &Runner{
		services:       services,
		ShutdownBudget: shutdownBudget,
		GracePeriod:    gracePeriod,
		log:            log,
	}
}

// Run starts every service, blocks until SIGINT/SIGTERM or a service
// reports a fatal startup error, then shuts everything down. It returns the
// exit code to pass to os.Exit, per §6: 0 normal, -1 unhandled fatal, -2
// interrupted.
func (r *Runner) Run(ctx context.Context) int {
	started := make([]Service, 0, len(r.services))

	for _, svc := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, svc.StartupTimeout)
		done := make(chan error, 1)
		go func() { done <- svc.Startup(startCtx) }()
		watchdog := time.NewTimer(svc.StartupTimeout)
		var err error
		select {
		case err = <-done:
		case <-watchdog.C:
			err = context.DeadlineExceeded
		}
		watchdog.Stop()
		cancel()
		if err != nil {
			r.log.WithField("service", svc.Name).WithError(err).Error("startup failed")
			r.shutdownAll(started)
			return ExitFatal
		}
		started = append(started, svc)
		r.log.WithField("service", svc.Name).Info("started")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		r.log.Info("received shutdown signal")
		r.shutdownAll(started)
		return ExitInterrupted
	case <-ctx.Done():
		r.shutdownAll(started)
		return ExitNormal
	}
}

// shutdownAll tears services down in reverse start order, each with its own
// deadline carved from the remaining shutdown budget, per §4.10. A grace
// period beyond the deadline allows cooperative shutdown to finish before
// the Runner gives up on a service and moves to the next one.
func (r *Runner) shutdownAll(started []Service) {
	budget := r.ShutdownBudget
	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		deadline := svc.ShutdownTimeout
		if deadline > budget {
			deadline = budget
		}
		budget -= deadline

		ctx, cancel := context.WithTimeout(context.Background(), deadline+r.GracePeriod)
		done := make(chan error, 1)
		go func() { done <- svc.Shutdown(ctx) }()
		var err error
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		cancel()
		if err != nil {
			r.log.WithField("service", svc.Name).WithError(err).Warn("shutdown reported an error")
		} else {
			r.log.WithField("service", svc.Name).Info("stopped")
		}
	}
}

// NewTickerService builds a Service that runs fn every interval until
// shutdown, for recurring maintenance work (e.g. cache entry GC) that needs
// the same start/stop discipline as any other Service rather than a
// goroutine launched and forgotten in main. Startup returns as soon as the
// ticking goroutine is launched; Shutdown stops the ticker and waits for an
// in-flight tick to finish before returning.
func NewTickerService(name string, interval time.Duration, fn func(ctx context.Context)) Service {
	stop := make(chan struct{})
	done := make(chan struct{})

	return Service{
		Name:            name,
		StartupTimeout:  5 * time.Second,
		ShutdownTimeout: interval,
		Startup: func(ctx context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						fn(context.Background())
					case <-stop:
						return
					}
				}
			}()
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			close(stop)
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	}
}

// RunGroup runs a set of long-lived goroutines (e.g. a listener's Serve
// loop) under an errgroup.Group bound to ctx, returning the first error any
// of them report. Used by cmd/* entry points to host a Service's Startup as
// a blocking call alongside Run's signal handling.
func RunGroup(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}
