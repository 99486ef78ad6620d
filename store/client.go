package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jacentio/lattice/schema"
)

// Client validates documents against registered schemas before forwarding
// them to a Backend, and keeps the backend's indexes in sync with the
// schemas. The Client exclusively owns its Backend.
type Client struct {
	backend  Backend
	registry *Registry
	config   Config
	logger   *slog.Logger

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Connect opens the store at location, registers schemas and installs
// their indexes. Schema problems fail with a *schema.ConfigurationError and
// open failures with a *ConnectionError. On any failure the backend is
// released before returning.
func Connect(ctx context.Context, open Opener, location string, schemas []*schema.Schema, config Config) (*Client, error) {
	registry := NewRegistry()
	for _, s := range schemas {
		if err := registry.Register(s); err != nil {
			return nil, err
		}
	}

	backend, err := open(ctx, location)
	if err != nil {
		return nil, &ConnectionError{Location: location, Err: err}
	}

	c := New(backend, registry, config)
	if err := c.EnsureIndexes(ctx); err != nil {
		if cerr := c.Close(); cerr != nil {
			c.logger.Warn("failed to release store", "location", location, "error", cerr)
		}
		return nil, err
	}
	return c, nil
}

// New creates a Client over an already opened backend. Unlike Connect it
// does not install indexes; call EnsureIndexes.
func New(backend Backend, registry *Registry, config Config) *Client {
	config.validate()
	return &Client{
		backend:  backend,
		registry: registry,
		config:   config,
		logger:   config.Logger,
	}
}

// Registry returns the registered schemas.
func (c *Client) Registry() *Registry {
	return c.registry
}

// acquire registers an in-flight operation. It fails once Close has begun.
func (c *Client) acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.inflight.Add(1)
	return nil
}

func (c *Client) release() {
	c.inflight.Done()
}

// Close waits for in-flight operations and releases the backend. Close is
// idempotent; later operations return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.inflight.Wait()
	return c.backend.Close()
}

// EnsureIndexes installs the aggregate index definitions of every
// registered schema as the design artifact. An absent artifact is created;
// one with different definitions is replaced using its revision, retrying
// on conflict up to MaxRetries; an identical one is left alone. Any write
// is followed by one Compact. A Compact that never completed for the
// installed artifact, as reported by Backend.Built, is run again. Finally
// every index is queried once so the backend materializes it eagerly.
func (c *Client) EnsureIndexes(ctx context.Context) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	want := c.registry.Indexes()
	var (
		rev     string
		changed bool
		err     error
	)
	for attempt := 1; ; attempt++ {
		rev, changed, err = c.reconcile(ctx, want)
		if errors.Is(err, ErrConflict) {
			if attempt >= c.config.MaxRetries {
				return fmt.Errorf("reconcile design artifact after %d attempts: %w", attempt, err)
			}
			c.logger.Warn("design artifact modified concurrently, retrying",
				"id", c.config.DesignID,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	rebuild := changed
	if !rebuild {
		built, err := c.backend.Built(ctx)
		if err != nil {
			return fmt.Errorf("read index build state: %w", err)
		}
		if built != rev {
			c.logger.Warn("resuming interrupted index rebuild",
				"id", c.config.DesignID,
				"rev", rev,
				"builtRev", built,
			)
			rebuild = true
		}
	}
	if rebuild {
		if err := c.backend.Compact(ctx); err != nil {
			return fmt.Errorf("rebuild indexes: %w", err)
		}
	}

	return c.touch(ctx, want)
}

// reconcile performs one read-compare-write cycle. It returns the revision
// of the installed artifact and whether this call wrote it.
func (c *Client) reconcile(ctx context.Context, want schema.Indexes) (string, bool, error) {
	id := c.config.DesignID

	current, err := c.backend.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		rev, err := c.backend.Put(ctx, id, "", DesignDocument(want))
		if err != nil {
			return "", false, err
		}
		c.logger.Info("design artifact created",
			"id", id,
			"rev", rev,
			"indexes", len(want),
		)
		return rev, true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read design artifact: %w", err)
	}

	installed, err := ParseDesign(current.Doc)
	if err != nil {
		c.logger.Warn("replacing unreadable design artifact", "id", id, "error", err)
	} else if installed.Equal(want) {
		return current.Rev, false, nil
	}

	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	rev, err := c.backend.Put(ctx, id, current.Rev, DesignDocument(want))
	if err != nil {
		return "", false, err
	}
	c.logger.Info("design artifact replaced",
		"id", id,
		"previousRev", current.Rev,
		"rev", rev,
		"indexes", len(want),
	)
	return rev, true, nil
}

// touch queries every index once, concurrently.
func (c *Client) touch(ctx context.Context, indexes schema.Indexes) error {
	names := indexes.Names()
	errs := make(chan error, len(names))
	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if _, err := c.backend.Query(ctx, name, ""); err != nil {
				errs <- fmt.Errorf("touch index %s: %w", name, err)
			}
		}(name)
	}

	wg.Wait()
	close(errs)
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}
