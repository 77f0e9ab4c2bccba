// Package demo provides the demonstration capability set served by the example server: a few
// arithmetic and lookup tools, a long running operation that reports progress, a tool that
// samples the client's model, two prompt templates, and static, templated, live and
// file-backed resources.
package demo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TangGee/mcp-session"
	"github.com/fsnotify/fsnotify"
)

// Publisher receives the changes Run observes. *mcp.Server implements it.
type Publisher interface {
	NotifyResourceUpdated(uri string) int
	UpdateRegistry(registry *mcp.Registry)
}

// Option configures a Demo.
type Option func(*Demo)

// Demo holds the mutable state behind the demo resources. Tools and prompts are stateless.
type Demo struct {
	logger           *slog.Logger
	liveDataInterval time.Duration
	watchDir         string

	mu       sync.RWMutex
	liveData []byte
}

const loggerName = "demo"

var defaultLiveDataInterval = 2 * time.Second

// New creates a Demo.
func New(options ...Option) *Demo {
	d := &Demo{
		logger:           slog.Default(),
		liveDataInterval: defaultLiveDataInterval,
	}
	for _, opt := range options {
		opt(d)
	}
	d.liveData = newLiveData(time.Now())
	return d
}

// WithLogger sets the logger for the demo handlers.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Demo) {
		d.logger = logger.With(slog.String("component", "demo"))
	}
}

// WithLiveDataInterval sets how often resource://live-data changes.
func WithLiveDataInterval(interval time.Duration) Option {
	return func(d *Demo) {
		if interval > 0 {
			d.liveDataInterval = interval
		}
	}
}

// WithWatchDir exposes the regular files of dir as file:// resources and watches them for
// changes.
func WithWatchDir(dir string) Option {
	return func(d *Demo) {
		d.watchDir = dir
	}
}

// Registry builds a registry holding every demo item. It is called again whenever the set of
// watched files changes, so each call reflects the directory as it is now.
func (d *Demo) Registry() (*mcp.Registry, error) {
	reg := mcp.NewRegistry()
	if err := d.addTools(reg); err != nil {
		return nil, fmt.Errorf("failed to add tools: %w", err)
	}
	if err := d.addPrompts(reg); err != nil {
		return nil, fmt.Errorf("failed to add prompts: %w", err)
	}
	if err := d.addResources(reg); err != nil {
		return nil, fmt.Errorf("failed to add resources: %w", err)
	}
	return reg, nil
}

// Run refreshes the live data and, when a watch directory is set, watches it. Changes are
// published to pub until ctx ends. It fails early when the directory cannot be watched.
func (d *Demo) Run(ctx context.Context, pub Publisher) error {
	var w *fsnotify.Watcher
	if d.watchDir != "" {
		var err error
		if w, err = d.newWatcher(); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.refreshLiveData(ctx, pub)
	}()

	if w != nil {
		d.watch(ctx, w, pub)
	}
	wg.Wait()
	return nil
}
