package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/quayside/rfdriver/internal/config"
)

func newOfflineSession() *Session {
	return newSession(context.Background(), config.NewDefaultConfig(), zap.NewNop())
}

func TestHandlePayloadAssemblesAcrossFragments(t *testing.T) {
	s := newOfflineSession()

	s.handlePayload(`{"id":"m1","part":0,"total":2,"data":"<tXML><Response><ShipmentId>ASN-1</ShipmentId>"}`)
	select {
	case rec := <-s.Records():
		t.Fatalf("record emitted before message completed: %+v", rec)
	default:
	}

	s.handlePayload(`{"id":"m1","part":1,"total":2,"data":"<RespCode>0</RespCode></Response></tXML>"}`)
	select {
	case rec := <-s.Records():
		require.NotNil(t, rec)
		assert.Equal(t, "ASN-1", rec.Reference)
		assert.True(t, rec.Accepted)
	default:
		t.Fatal("assembled record never reached the channel")
	}
}

func TestHandlePayloadIgnoresForeignMessages(t *testing.T) {
	s := newOfflineSession()

	// The frame posts plenty of traffic that is not fragment envelopes.
	s.handlePayload(`{"event":"resize","w":800}`)
	s.handlePayload(`not json at all`)

	select {
	case rec := <-s.Records():
		t.Fatalf("unexpected record from foreign payload: %+v", rec)
	default:
	}
	assert.Equal(t, 0, s.assembler.Pending())
}

func TestHandlePayloadDropsWhenChannelFull(t *testing.T) {
	s := newOfflineSession()

	// Fill the buffer with complete single-fragment messages, then one more.
	for i := 0; i < recordBuffer+1; i++ {
		s.handlePayload(`{"id":"m` + string(rune('a'+i)) + `","part":0,"total":1,"data":"<tXML><Response/></tXML>"}`)
	}

	count := 0
	for {
		select {
		case <-s.Records():
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, recordBuffer, count, "overflow records are dropped, not queued")
}

func TestHandlePayloadAfterCloseIsDropped(t *testing.T) {
	s := newOfflineSession()
	require.NoError(t, s.Close(context.Background()))

	// The CDP event goroutine can still deliver frame events while teardown
	// races it; a late payload must be discarded, never panic.
	s.handlePayload(`{"id":"late","part":0,"total":1,"data":"<tXML><Response><RespCode>0</RespCode></Response></tXML>"}`)

	rec, open := <-s.Records()
	assert.Nil(t, rec)
	assert.False(t, open)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := newOfflineSession()
	s.assembler.Start()
	s.assemblerStarted = true

	closed := 0
	s.onClose = func() { closed++ }

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 1, closed)

	_, open := <-s.Records()
	assert.False(t, open)
}
