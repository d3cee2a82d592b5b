package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quayside/rfdriver/internal/driver"
	"github.com/quayside/rfdriver/internal/resilience"
)

// fakeDriver serves scripted region captures. Each call to Evaluate pops the
// next capture from the queue; the last one repeats.
type fakeDriver struct {
	captures  []regionCapture
	evalErr   error
	calls     int
	slept     time.Duration
	innerText string
}

func (f *fakeDriver) Evaluate(ctx context.Context, script string, out interface{}) error {
	f.calls++
	if f.evalErr != nil {
		return f.evalErr
	}
	idx := f.calls - 1
	if idx >= len(f.captures) {
		idx = len(f.captures) - 1
	}
	raw, err := json.Marshal(f.captures[idx])
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeDriver) DispatchMouseEvent(ctx context.Context, ev driver.MouseEvent) error { return nil }
func (f *fakeDriver) SendKey(ctx context.Context, key string) error                      { return nil }
func (f *fakeDriver) Focus(ctx context.Context, selector string) error                   { return nil }
func (f *fakeDriver) ElementGeometry(ctx context.Context, selector string) (*driver.Geometry, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeDriver) InnerText(ctx context.Context, selector string) (string, error) {
	return f.innerText, nil
}
func (f *fakeDriver) Sleep(ctx context.Context, d time.Duration) error {
	f.slept += d
	return nil
}

func TestTakeIdenticalContentEqualFingerprints(t *testing.T) {
	capture := regionCapture{Text: "ASN: 100 Item: SKU-1", Markers: []string{"n=12", "div", "span"}}
	fake := &fakeDriver{captures: []regionCapture{capture, capture}}
	svc := NewService(fake, zap.NewNop(), 0)

	first, err := svc.Take(context.Background(), "body")
	require.NoError(t, err)
	second, err := svc.Take(context.Background(), "body")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, Changed(first, second))
}

func TestTakeTextChangeFlipsFingerprint(t *testing.T) {
	fake := &fakeDriver{captures: []regionCapture{
		{Text: "Scan ASN", Markers: []string{"n=4", "input"}},
		{Text: "Scan Item", Markers: []string{"n=4", "input"}},
	}}
	svc := NewService(fake, zap.NewNop(), 0)

	before, err := svc.Take(context.Background(), "body")
	require.NoError(t, err)
	after, err := svc.Take(context.Background(), "body")
	require.NoError(t, err)

	assert.True(t, Changed(before, after))
	assert.NotEqual(t, before.Digest, after.Digest)
}

func TestTakeStructuralChangeFlipsFingerprint(t *testing.T) {
	// Same visible text, different structural markers: a tab highlight moved.
	fake := &fakeDriver{captures: []regionCapture{
		{Text: "Receive", Markers: []string{"n=8", "div", "on:li"}},
		{Text: "Receive", Markers: []string{"n=8", "div", "on:span"}},
	}}
	svc := NewService(fake, zap.NewNop(), 0)

	before, err := svc.Take(context.Background(), "div.tabs")
	require.NoError(t, err)
	after, err := svc.Take(context.Background(), "div.tabs")
	require.NoError(t, err)

	assert.True(t, Changed(before, after))
}

func TestTakeTruncatesSummary(t *testing.T) {
	long := make([]byte, SummaryLen*2)
	for i := range long {
		long[i] = 'x'
	}
	fake := &fakeDriver{captures: []regionCapture{{Text: string(long), Markers: []string{"n=1"}}}}
	svc := NewService(fake, zap.NewNop(), 0)

	fp, err := svc.Take(context.Background(), "body")
	require.NoError(t, err)
	assert.Len(t, fp.Summary, SummaryLen)
}

func TestTakeTruncatesSummaryOnRuneBoundary(t *testing.T) {
	// Two-byte runes guarantee the byte at SummaryLen is mid-rune.
	long := strings.Repeat("ü", SummaryLen)
	fake := &fakeDriver{captures: []regionCapture{{Text: long, Markers: []string{"n=1"}}}}
	svc := NewService(fake, zap.NewNop(), 0)

	fp, err := svc.Take(context.Background(), "body")
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(fp.Summary))
	assert.LessOrEqual(t, len(fp.Summary), SummaryLen)
}

func TestRegionTextReturnsFullText(t *testing.T) {
	long := strings.Repeat("dialog text ", 40)
	fake := &fakeDriver{innerText: long}
	svc := NewService(fake, zap.NewNop(), 0)

	text, err := svc.RegionText(context.Background(), "div.x-message-box")
	require.NoError(t, err)
	assert.Equal(t, long, text)
	assert.Greater(t, len(text), SummaryLen)
}

func TestTakeAppliesSettleDelay(t *testing.T) {
	fake := &fakeDriver{captures: []regionCapture{{Text: "ok", Markers: []string{"n=1"}}}}
	svc := NewService(fake, zap.NewNop(), 350*time.Millisecond)

	_, err := svc.Take(context.Background(), "body")
	require.NoError(t, err)
	assert.Equal(t, 350*time.Millisecond, fake.slept)
}

func TestWaitReadyRetriesUntilRendered(t *testing.T) {
	fake := &fakeDriver{captures: []regionCapture{
		{Text: "", Markers: []string{"missing"}},
		{Text: "", Markers: []string{"missing"}},
		{Text: "RF Menu", Markers: []string{"n=3", "ul"}},
	}}
	svc := NewService(fake, zap.NewNop(), 0)

	policy := resilience.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 1.0, MaxDelay: time.Millisecond}
	err := svc.WaitReady(context.Background(), "div.rf", policy)
	require.NoError(t, err)
	assert.Equal(t, 3, fake.calls)
}

func TestWaitReadyExhaustsOnDeadRegion(t *testing.T) {
	fake := &fakeDriver{captures: []regionCapture{{Text: "", Markers: []string{"missing"}}}}
	svc := NewService(fake, zap.NewNop(), 0)

	policy := resilience.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1.0, MaxDelay: time.Millisecond}
	err := svc.WaitReady(context.Background(), "div.rf", policy)

	var exhausted *resilience.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
}
