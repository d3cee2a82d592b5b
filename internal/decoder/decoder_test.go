package decoder

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const ackXML = `<tXML><Header><Message_Type>RESPONSE</Message_Type></Header>` +
	`<Response><ShipmentId>ASN-100</ShipmentId><RespCode>0</RespCode><AckCode>TA</AckCode></Response></tXML>`

// splitFragments carves a payload into n fragments for one message id.
func splitFragments(id, payload string, n int) []Fragment {
	frags := make([]Fragment, n)
	chunk := (len(payload) + n - 1) / n
	for i := 0; i < n; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(payload) {
			end = len(payload)
		}
		frags[i] = Fragment{MessageID: id, Part: i, Total: n, Data: payload[start:end]}
	}
	return frags
}

func permutations(frags []Fragment) [][]Fragment {
	if len(frags) <= 1 {
		return [][]Fragment{frags}
	}
	var out [][]Fragment
	for i := range frags {
		rest := make([]Fragment, 0, len(frags)-1)
		rest = append(rest, frags[:i]...)
		rest = append(rest, frags[i+1:]...)
		for _, perm := range permutations(rest) {
			out = append(out, append([]Fragment{frags[i]}, perm...))
		}
	}
	return out
}

func TestIngestOrderIndependence(t *testing.T) {
	frags := splitFragments("msg-1", ackXML, 3)

	var want *Record
	for _, order := range permutations(frags) {
		a := NewAssembler(zap.NewNop(), time.Minute, time.Minute)

		var got *Record
		for _, frag := range order {
			rec, err := a.Ingest(frag)
			require.NoError(t, err)
			if rec != nil {
				require.Nil(t, got, "record emitted more than once")
				got = rec
			}
		}
		require.NotNil(t, got, "complete run must assemble")
		assert.Equal(t, 0, a.Pending())

		if want == nil {
			want = got
			continue
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("record differs across delivery orders:\n%s", diff)
		}
	}
}

func TestIngestDuplicateFragmentIgnored(t *testing.T) {
	frags := splitFragments("msg-2", ackXML, 3)
	a := NewAssembler(zap.NewNop(), time.Minute, time.Minute)

	_, err := a.Ingest(frags[0])
	require.NoError(t, err)
	_, err = a.Ingest(frags[1])
	require.NoError(t, err)

	// Duplicate delivery of an already-buffered part.
	rec, err := a.Ingest(frags[1])
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec, err = a.Ingest(frags[2])
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "ASN-100", rec.Reference)
	assert.True(t, rec.Accepted)
}

func TestIngestRejectsMalformedFragments(t *testing.T) {
	a := NewAssembler(zap.NewNop(), time.Minute, time.Minute)

	_, err := a.Ingest(Fragment{MessageID: "m", Part: 0, Total: 0})
	assert.Error(t, err)

	_, err = a.Ingest(Fragment{MessageID: "m", Part: 3, Total: 3})
	assert.Error(t, err)

	_, err = a.Ingest(Fragment{MessageID: "m", Part: 0, Total: 2})
	require.NoError(t, err)
	_, err = a.Ingest(Fragment{MessageID: "m", Part: 1, Total: 5})
	assert.Error(t, err, "total must not change mid-message")
}

func TestSweepEvictsIdleBuffer(t *testing.T) {
	var mu sync.Mutex
	var evicted []*IncompleteMessageError

	clock := time.Now()
	a := NewAssembler(zap.NewNop(), 30*time.Second, time.Minute,
		WithClock(func() time.Time { return clock }),
		WithObserver(func(inc *IncompleteMessageError) {
			mu.Lock()
			evicted = append(evicted, inc)
			mu.Unlock()
		}))

	frags := splitFragments("msg-stale", ackXML, 3)
	_, err := a.Ingest(frags[0])
	require.NoError(t, err)
	_, err = a.Ingest(frags[2])
	require.NoError(t, err)

	// Not yet idle long enough.
	clock = clock.Add(10 * time.Second)
	a.sweep()
	assert.Equal(t, 1, a.Pending())
	assert.Empty(t, evicted)

	clock = clock.Add(30 * time.Second)
	a.sweep()
	assert.Equal(t, 0, a.Pending())
	require.Len(t, evicted, 1)
	assert.Equal(t, "msg-stale", evicted[0].MessageID)
	assert.Equal(t, 2, evicted[0].Received)
	assert.Equal(t, 3, evicted[0].Total)
}

func TestStartStopLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := NewAssembler(zap.NewNop(), time.Second, 10*time.Millisecond)
	a.Start()
	time.Sleep(25 * time.Millisecond)
	a.Stop()
}

func TestParseFragmentEnvelope(t *testing.T) {
	raw := []byte(`{"id":"msg-9","part":1,"total":4,"data":"<Resp"}`)
	frag, err := ParseFragment(raw)
	require.NoError(t, err)
	assert.Equal(t, Fragment{MessageID: "msg-9", Part: 1, Total: 4, Data: "<Resp"}, frag)

	_, err = ParseFragment([]byte(`{"part":0,"total":1}`))
	assert.Error(t, err, "missing id must be rejected")

	_, err = ParseFragment([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseRecordAcceptance(t *testing.T) {
	tests := []struct {
		name     string
		xml      string
		accepted bool
	}{
		{
			"resp code zero",
			`<tXML><Response><RespCode>0</RespCode></Response></tXML>`,
			true,
		},
		{
			"resp code 25 informational",
			`<tXML><Response><RespCode>25</RespCode></Response></tXML>`,
			true,
		},
		{
			"absent resp code",
			`<tXML><Response><ShipmentId>ASN-7</ShipmentId></Response></tXML>`,
			true,
		},
		{
			"ack code overrides missing resp",
			`<tXML><Response><AckCode>AA</AckCode></Response></tXML>`,
			true,
		},
		{
			"unknown ack code rejects",
			`<tXML><Response><AckCode>NK</AckCode></Response></tXML>`,
			false,
		},
		{
			"rejecting resp code",
			`<tXML><Response><RespCode>99</RespCode></Response></tXML>`,
			false,
		},
		{
			"error type rejects despite good codes",
			`<tXML><Response><RespCode>0</RespCode><ErrorType>VALIDATION</ErrorType></Response></tXML>`,
			false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, err := ParseRecord("m", tc.xml)
			require.NoError(t, err)
			assert.Equal(t, tc.accepted, rec.Accepted)
		})
	}
}

func TestParseRecordFields(t *testing.T) {
	rec, err := ParseRecord("msg-3", `<tXML>`+
		`<Header><Message_Type>RESPONSE</Message_Type></Header>`+
		`<Response><ShipmentId> ASN-100 </ShipmentId><RespCode>25</RespCode>`+
		`<ExceptionDetails>qty adjusted</ExceptionDetails></Response></tXML>`)
	require.NoError(t, err)

	assert.Equal(t, "msg-3", rec.MessageID)
	assert.Equal(t, "RESPONSE", rec.Type)
	assert.Equal(t, "ASN-100", rec.Reference)
	assert.Equal(t, "25", rec.RespCode)
	assert.Equal(t, "qty adjusted", rec.Exception)
	assert.True(t, rec.Accepted)
}

func TestParseRecordMalformedXML(t *testing.T) {
	_, err := ParseRecord("m", `<unclosed`)
	assert.Error(t, err)

	_, err = ParseRecord("m", ``)
	assert.Error(t, err)
}
