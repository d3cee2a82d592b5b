// File: internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quayside/rfdriver/internal/config"
	"github.com/quayside/rfdriver/internal/decoder"
	"github.com/quayside/rfdriver/internal/driver"
)

// frameBinding is the name of the runtime binding the forwarder script calls
// with raw fragment payloads.
const frameBinding = "__rfdriverChannel"

// recordBuffer sizes the decoded-record channel. The workflow consumes
// records between intents; a small buffer absorbs bursts from chatty screens.
const recordBuffer = 32

// frameForwarderScript relays every cross-frame postMessage into the runtime
// binding. Installed on every new document so frame reloads keep the channel.
const frameForwarderScript = `
(function() {
	window.addEventListener('message', function(ev) {
		try {
			var payload = typeof ev.data === 'string' ? ev.data : JSON.stringify(ev.data);
			if (window.` + frameBinding + `) {
				window.` + frameBinding + `(payload);
			}
		} catch (e) {}
	}, false);
})();
`

// Session is one isolated browser context hosting one terminal instance. It
// owns the fragment assembler for its frame channel; nothing in a session is
// shared with other sessions.
type Session struct {
	id       string
	logger   *zap.Logger
	cfg      *config.Config
	allocCtx context.Context

	ctx    context.Context
	cancel context.CancelFunc

	assembler        *decoder.Assembler
	assemblerStarted bool

	// recordsMu orders handlePayload sends against Close. The CDP event
	// goroutine can deliver a frame event after teardown begins; without the
	// guard that send hits a closed channel and panics.
	recordsMu     sync.Mutex
	records       chan *decoder.Record
	recordsClosed bool

	onClose   func()
	closeOnce sync.Once
}

func newSession(allocCtx context.Context, cfg *config.Config, logger *zap.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:       id,
		logger:   logger.Named("session").With(zap.String("session_id", id)),
		cfg:      cfg,
		allocCtx: allocCtx,
		records:  make(chan *decoder.Record, recordBuffer),
	}
	s.assembler = decoder.NewAssembler(
		s.logger,
		cfg.Decoder.IdleTimeout,
		cfg.Decoder.SweepInterval,
		decoder.WithObserver(func(inc *decoder.IncompleteMessageError) {
			s.logger.Warn("Frame message never completed.", zap.Error(inc))
		}),
	)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// initialize creates the chromedp context, installs the frame channel, and
// navigates to the terminal.
func (s *Session) initialize(ctx context.Context, terminalURL string) error {
	s.ctx, s.cancel = chromedp.NewContext(s.allocCtx)

	// Allocate the browser target before wiring listeners.
	if err := s.RunActions(ctx, chromedp.ActionFunc(func(context.Context) error { return nil })); err != nil {
		return fmt.Errorf("allocating browser target: %w", err)
	}

	if err := s.bindFrameChannel(ctx); err != nil {
		return err
	}
	s.assembler.Start()
	s.assemblerStarted = true

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.Browser.NavigationTimeout)
	defer cancel()
	if err := s.RunActions(navCtx, chromedp.Navigate(terminalURL)); err != nil {
		return fmt.Errorf("navigating to terminal: %w", err)
	}
	return nil
}

// bindFrameChannel registers the runtime binding, subscribes to its calls,
// and installs the forwarder on all current and future documents.
func (s *Session) bindFrameChannel(ctx context.Context) error {
	err := s.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if err := runtime.AddBinding(frameBinding).Do(c); err != nil {
			return err
		}
		_, err := page.AddScriptToEvaluateOnNewDocument(frameForwarderScript).Do(c)
		return err
	}))
	if err != nil {
		return fmt.Errorf("binding frame channel: %w", err)
	}

	chromedp.ListenTarget(s.ctx, func(ev interface{}) {
		bind, ok := ev.(*runtime.EventBindingCalled)
		if !ok || bind.Name != frameBinding {
			return
		}
		// Listener callbacks run on chromedp's event goroutine; keep them
		// short and never block on the records channel.
		s.handlePayload(bind.Payload)
	})
	return nil
}

// handlePayload feeds one raw frame payload through the assembler.
func (s *Session) handlePayload(payload string) {
	frag, err := decoder.ParseFragment([]byte(payload))
	if err != nil {
		s.logger.Debug("Ignoring non-fragment frame message.", zap.Error(err))
		return
	}
	rec, err := s.assembler.Ingest(frag)
	if err != nil {
		s.logger.Warn("Fragment rejected.", zap.Error(err))
		return
	}
	if rec == nil {
		return
	}
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()
	if s.recordsClosed {
		s.logger.Debug("Record decoded after session close, dropping.",
			zap.String("message_id", rec.MessageID))
		return
	}
	select {
	case s.records <- rec:
	default:
		s.logger.Warn("Record channel full, dropping acknowledgment.",
			zap.String("message_id", rec.MessageID))
	}
}

// Records exposes decoded acknowledgments to the workflow.
func (s *Session) Records() <-chan *decoder.Record { return s.records }

// Driver returns a CDP-backed driver bound to this session.
func (s *Session) Driver() *driver.CDP {
	return driver.NewCDP(s.logger, s.RunActions)
}

// RunActions executes chromedp actions on the session's browser context,
// honoring the caller's deadline.
func (s *Session) RunActions(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(s.ctx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the session down: assembler sweep, browser context, record
// channel. Idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing session.")
		if s.assemblerStarted {
			s.assembler.Stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.recordsMu.Lock()
		s.recordsClosed = true
		close(s.records)
		s.recordsMu.Unlock()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
