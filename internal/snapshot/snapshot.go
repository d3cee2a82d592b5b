// Package snapshot computes content fingerprints of rendered regions. A
// fingerprint is the only proof the system accepts that a requested UI
// transition actually happened: apparent success of an action means nothing
// against a widget framework that swallows events silently.
package snapshot

import (
	"context"
	"fmt"
	"hash"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/quayside/rfdriver/internal/driver"
	"github.com/quayside/rfdriver/internal/resilience"
)

// SummaryLen bounds the truncated text carried alongside the digest. Long
// enough to be useful in logs, short enough to keep comparisons cheap.
const SummaryLen = 175

// Fingerprint is a compact digest plus truncated text summary of a rendered
// region at a point in time. Scoped to a single verification call.
type Fingerprint struct {
	Digest  uint64
	Summary string
}

// Changed reports whether the region content differs between two
// fingerprints. Strict inequality: any semantically-visible change flips the
// digest. Known limitation: benign re-renders that alter text (for example a
// ticking clock inside the region) also register as changes; callers scope
// the region selector to exclude such elements.
func Changed(before, after Fingerprint) bool {
	return before != after
}

// regionCapture is the page-side extraction result.
type regionCapture struct {
	Text    string   `json:"text"`
	Markers []string `json:"markers"`
}

// Service takes fingerprints of regions through the browser driver. Read-only
// against the target.
type Service struct {
	drv    driver.Driver
	logger *zap.Logger
	// settle is the pause before capture, letting the framework finish its
	// render pass. The legacy terminal repaints asynchronously after input.
	settle time.Duration
}

// NewService creates a snapshot service.
func NewService(drv driver.Driver, logger *zap.Logger, settle time.Duration) *Service {
	return &Service{
		drv:    drv,
		logger: logger.Named("snapshot"),
		settle: settle,
	}
}

var hasherPool = sync.Pool{
	New: func() interface{} { return fnv.New64a() },
}

// Take captures a fingerprint of the region identified by a CSS selector.
func (s *Service) Take(ctx context.Context, region string) (Fingerprint, error) {
	if s.settle > 0 {
		if err := s.drv.Sleep(ctx, s.settle); err != nil {
			return Fingerprint{}, err
		}
	}

	capture, err := s.capture(ctx, region)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("snapshot of %q: %w", region, err)
	}

	hasher := hasherPool.Get().(hash.Hash64)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()

	// Order-sensitive: text first, then structural markers in DOM order.
	_, _ = hasher.Write([]byte(capture.Text))
	for _, marker := range capture.Markers {
		_, _ = hasher.Write([]byte{0})
		_, _ = hasher.Write([]byte(marker))
	}

	summary := capture.Text
	if len(summary) > SummaryLen {
		// Cut on a rune boundary so the summary stays valid UTF-8.
		cut := SummaryLen
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut]
	}

	fp := Fingerprint{Digest: hasher.Sum64(), Summary: summary}
	s.logger.Debug("Region fingerprint taken.",
		zap.String("region", region),
		zap.String("digest", strconv.FormatUint(fp.Digest, 16)))
	return fp, nil
}

// capture extracts visible text plus a small set of structural markers in a
// single page-side evaluation: element count, the tags of direct children,
// and any active/selected widget classes. The markers catch transitions that
// leave the text identical (a tab highlight moving, a field enabling).
func (s *Service) capture(ctx context.Context, region string) (regionCapture, error) {
	script := fmt.Sprintf(`
		(function(sel) {
			const root = document.querySelector(sel);
			if (!root) return { text: "", markers: ["missing"] };

			const text = (root.innerText || "").replace(/\s+/g, " ").trim();
			const markers = ["n=" + root.querySelectorAll("*").length];
			for (const child of root.children) {
				markers.push(child.tagName.toLowerCase());
			}
			root.querySelectorAll("[class*='active'], [class*='selected'], [aria-selected='true']")
				.forEach(el => markers.push("on:" + el.tagName.toLowerCase()));
			return { text: text, markers: markers };
		})(%s);
	`, strconv.Quote(region))

	var capture regionCapture
	if err := s.drv.Evaluate(ctx, script, &capture); err != nil {
		return regionCapture{}, err
	}
	return capture, nil
}

// RegionText returns the full visible text of a region, untruncated and empty
// when the region is absent. Fingerprint summaries are bounded; callers that
// judge content by pattern, like the dialog classifier, need the whole text.
func (s *Service) RegionText(ctx context.Context, region string) (string, error) {
	text, err := s.drv.InnerText(ctx, region)
	if err != nil {
		return "", fmt.Errorf("text of %q: %w", region, err)
	}
	return text, nil
}

// WaitReady blocks until the region renders non-empty content, retrying under
// the supplied policy. Widget frameworks are routinely not initialized at the
// moment the session first wants to interact.
func (s *Service) WaitReady(ctx context.Context, region string, policy resilience.Policy) error {
	probe := func(ctx context.Context) error {
		capture, err := s.capture(ctx, region)
		if err != nil {
			return err
		}
		if strings.TrimSpace(capture.Text) == "" && len(capture.Markers) <= 1 {
			return fmt.Errorf("region %q not rendered yet", region)
		}
		return nil
	}
	if err := resilience.Run(ctx, s.logger, probe, policy); err != nil {
		return fmt.Errorf("region %q never became ready: %w", region, err)
	}
	return nil
}
