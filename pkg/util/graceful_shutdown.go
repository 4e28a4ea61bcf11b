package util

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownResource is a component stopped on process exit
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // lower numbers shut down first
}

// GracefulShutdown stops registered resources in priority order.
// Resources of equal priority are stopped in registration order.
type GracefulShutdown struct {
	mu        sync.Mutex
	resources []ShutdownResource
	logger    *logrus.Logger
	timeout   time.Duration
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].Priority < gs.resources[j].Priority
	})
	gs.mu.Unlock()

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterFunc registers a shutdown step that cannot fail
func (gs *GracefulShutdown) RegisterFunc(name string, priority int, fn func()) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			fn()
			return nil
		},
	})
}

// Shutdown runs every resource's shutdown within the overall timeout.
// A resource that panics or fails does not prevent the remaining ones
// from being stopped.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var failures []error
	for _, res := range resources {
		if err := gs.shutdownOne(shutdownCtx, res); err != nil {
			gs.logger.WithError(err).WithField("resource", res.Name).Error("Error shutting down resource")
			failures = append(failures, err)
			continue
		}
		gs.logger.WithField("resource", res.Name).Debug("Resource shut down")
	}

	if len(failures) > 0 {
		return &MultiShutdownError{Errors: failures}
	}
	gs.logger.Info("Graceful shutdown completed")
	return nil
}

func (gs *GracefulShutdown) shutdownOne(ctx context.Context, res ShutdownResource) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic during shutdown of %s: %v", res.Name, r)
			}
		}()
		done <- res.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shutdown of %s: %w", res.Name, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout for %s", res.Name)
	}
}

// MultiShutdownError collects the failures of one Shutdown run
type MultiShutdownError struct {
	Errors []error
}

func (e *MultiShutdownError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return "errors during shutdown: " + strings.Join(msgs, "; ")
}
