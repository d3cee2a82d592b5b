// Package browser owns the browser process lifecycle and per-session wiring:
// one chromedp context per target session, the cross-frame message binding
// feeding the decoder, and supervised concurrent sessions. Everything above
// this package sees only the driver interface and a record channel.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quayside/rfdriver/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// Manager handles the shared browser allocator and session creation.
type Manager struct {
	logger *zap.Logger
	cfg    *config.Config

	allocCtx    context.Context
	allocCancel context.CancelFunc

	sessions map[string]*Session
	mu       sync.RWMutex
	// wg tracks open sessions so shutdown can wait for them.
	wg sync.WaitGroup

	initOnce sync.Once
}

// NewManager creates a browser manager. Allocator startup is deferred until
// the first session is requested.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// initialize builds the exec allocator shared by all sessions. Allocator
// construction itself cannot fail; startup errors surface from the first
// session's chromedp run.
func (m *Manager) initialize(ctx context.Context) {
	m.initOnce.Do(func() {
		m.logger.Info("Starting browser allocator.",
			zap.Bool("headless", m.cfg.Browser.Headless))

		opts := append([]chromedp.ExecAllocatorOption{},
			chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.Flag("headless", m.cfg.Browser.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if m.cfg.Browser.IgnoreTLSErrors {
			// Legacy terminals routinely sit behind expired internal certs.
			opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
		}
		for _, arg := range m.cfg.Browser.Args {
			name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
			if hasValue {
				opts = append(opts, chromedp.Flag(name, value))
			} else {
				opts = append(opts, chromedp.Flag(name, true))
			}
		}

		m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	})
}

// NewSession creates an isolated session navigated to the terminal URL.
func (m *Manager) NewSession(ctx context.Context, terminalURL string) (*Session, error) {
	m.initialize(ctx)

	session := newSession(m.allocCtx, m.cfg, m.logger)

	m.wg.Add(1)
	session.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, session.ID())
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Session removed from manager.", zap.String("session_id", session.ID()))
	}

	if err := session.initialize(ctx, terminalURL); err != nil {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		session.Close(cleanupCtx)
		return nil, fmt.Errorf("initializing session: %w", err)
	}

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	m.logger.Info("Session created.",
		zap.String("session_id", session.ID()), zap.String("url", terminalURL))
	return session, nil
}

// RunConcurrent executes fn once per terminal URL, each against its own
// session. Sessions are independent; a failure in one cancels the rest
// through the group context. Transaction state never crosses sessions.
func (m *Manager) RunConcurrent(ctx context.Context, urls []string, fn func(ctx context.Context, s *Session) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, url := range urls {
		g.Go(func() error {
			session, err := m.NewSession(gctx, url)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				session.Close(closeCtx)
			}()
			return fn(gctx, session)
		})
	}
	return g.Wait()
}

// Shutdown closes all sessions and tears down the allocator.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")
	if m.allocCtx == nil {
		return nil
	}

	m.mu.RLock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.RUnlock()

	for _, s := range open {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error closing session during shutdown.",
					zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("All sessions closed.")
	case <-time.After(shutdownGracePeriod):
		m.logger.Warn("Timeout waiting for sessions to close, forcing allocator teardown.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown context expired, forcing allocator teardown.", zap.Error(ctx.Err()))
	}

	m.allocCancel()
	return nil
}
