package delivery

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/replaykit/internal/domain"
)

func testSegment(endpoint string, size int) Segment {
	return Segment{
		Header: domain.SegmentHeader{
			ReplayID:  "fd09adfc4117477abc8de643e5a5798a",
			SegmentID: 2,
			Timestamp: 1580000005000,
			Events:    1,
		},
		Payload:  domain.Payload{Body: []byte(strings.Repeat("x", size)), Events: 1},
		Endpoint: endpoint,
	}
}

func TestEndpointFromDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want string
	}{
		{
			name: "plain",
			dsn:  "https://abc123@ingest.example.com/42",
			want: "https://ingest.example.com/api/42/events/r1/attachments/?sentry_key=abc123&sentry_version=7&sentry_client=replay",
		},
		{
			name: "port and path",
			dsn:  "http://abc123@localhost:9000/prefix/sub/7",
			want: "http://localhost:9000/prefix/sub/api/7/events/r1/attachments/?sentry_key=abc123&sentry_version=7&sentry_client=replay",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EndpointFromDSN(tt.dsn, "r1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointFromDSNErrors(t *testing.T) {
	for _, dsn := range []string{
		"",
		"ftp://abc@host/1",
		"https://host/1",
		"https://abc@/1",
		"https://abc@host/",
	} {
		_, err := EndpointFromDSN(dsn, "r1")
		assert.ErrorIs(t, err, ErrInvalidDSN, "dsn %q", dsn)
	}

	_, err := EndpointFromDSN("https://abc@host/1", "")
	assert.Error(t, err)
}

type received struct {
	header string
	file   []byte
	name   string
}

func newUploadServer(t *testing.T, status int) (*httptest.Server, <-chan received) {
	t.Helper()
	ch := make(chan received, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mr := multipart.NewReader(r.Body, params["boundary"])
		var got received
		for {
			p, err := mr.NextPart()
			if err != nil {
				break
			}
			b, _ := io.ReadAll(p)
			switch p.FormName() {
			case "segment":
				got.header = string(b)
			case "rrweb":
				got.file = b
				got.name = p.FileName()
			}
		}
		ch <- got
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func TestHTTPTransportSendsMultipart(t *testing.T) {
	srv, ch := newUploadServer(t, http.StatusOK)
	tr := NewHTTPTransport(5 * time.Second)

	seg := testSegment(srv.URL, 10)
	require.NoError(t, tr.Send(context.Background(), seg))

	got := <-ch
	assert.JSONEq(t, `{"replay_id":"fd09adfc4117477abc8de643e5a5798a","segment_id":2,"timestamp":1580000005000,"events":1,"compressed":false}`, got.header)
	assert.Equal(t, seg.Payload.Body, got.file)
	assert.Equal(t, "rrweb-1580000005000.json", got.name)
}

func TestHTTPTransportReportsStatus(t *testing.T) {
	srv, _ := newUploadServer(t, http.StatusInternalServerError)
	tr := &HTTPTransport{Client: srv.Client()}

	err := tr.Send(context.Background(), testSegment(srv.URL, 10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestBeaconTransport(t *testing.T) {
	srv, ch := newUploadServer(t, http.StatusInternalServerError)
	b := &BeaconTransport{Client: srv.Client(), MaxBytes: 16}

	// Failures are not observable through a beacon
	require.NoError(t, b.Send(context.Background(), testSegment(srv.URL, 16)))
	select {
	case got := <-ch:
		assert.Len(t, got.file, 16)
	case <-time.After(2 * time.Second):
		t.Fatal("beacon never arrived")
	}

	assert.ErrorIs(t, b.Send(context.Background(), testSegment(srv.URL, 17)), ErrPayloadTooLarge)
}

func TestSenderChoosesTransport(t *testing.T) {
	beacon := &BeaconTransport{}
	httpT := &HTTPTransport{}
	s := &Sender{Beacon: beacon, HTTP: httpT}

	assert.Same(t, beacon, s.Choose(testSegment("", DefaultMaxBeaconSize)))
	assert.Equal(t, Transport(httpT), s.Choose(testSegment("", DefaultMaxBeaconSize+1)))

	noBeacon := &Sender{HTTP: httpT}
	assert.Equal(t, Transport(httpT), noBeacon.Choose(testSegment("", 1)))

	_, err := (&Sender{}).Send(context.Background(), testSegment("", 1))
	assert.Error(t, err)
}

func TestPolicyBackoffIsLinear(t *testing.T) {
	p := Policy{BaseInterval: 5 * time.Second, MaxRetries: 5}
	want := []time.Duration{0, 5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 25 * time.Second}
	for n, w := range want {
		assert.Equal(t, w, p.Backoff(n), "retry %d", n)
	}
}

// scripted fails the first `failures` attempts and records attempt times
type scripted struct {
	mu       sync.Mutex
	clock    *clock.Mock
	failures int
	at       []time.Duration
	start    time.Time
}

func (s *scripted) send(_ context.Context, _ Segment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.at = append(s.at, s.clock.Now().Sub(s.start))
	if len(s.at) <= s.failures {
		return transportHTTP, errors.New("connection refused")
	}
	return transportHTTP, nil
}

func advancing(mock *clock.Mock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		mock.Add(d)
		return ctx.Err()
	}
}

func TestDeliverRetriesWithLinearBackoff(t *testing.T) {
	mock := clock.NewMock()
	s := &scripted{clock: mock, failures: 3, start: mock.Now()}
	d := NewDeliverer(s.send, Policy{BaseInterval: 5 * time.Second, MaxRetries: 5}, mock, WithSleep(advancing(mock)))

	res := d.Deliver(context.Background(), testSegment("", 1))
	require.NoError(t, res.Err)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, transportHTTP, res.Transport)
	assert.Equal(t, []time.Duration{0, 5 * time.Second, 15 * time.Second, 30 * time.Second}, s.at)
}

func TestDeliverGivesUpAfterMaxRetries(t *testing.T) {
	mock := clock.NewMock()
	s := &scripted{clock: mock, failures: 100, start: mock.Now()}
	d := NewDeliverer(s.send, Policy{BaseInterval: time.Second, MaxRetries: 3}, mock, WithSleep(advancing(mock)))

	res := d.Deliver(context.Background(), testSegment("", 1))
	require.ErrorIs(t, res.Err, ErrMaxRetriesExceeded)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, s.at, 3)
}

func TestDeliverDefaultPolicyStopsAtFiveAttempts(t *testing.T) {
	mock := clock.NewMock()
	s := &scripted{clock: mock, failures: 100, start: mock.Now()}
	d := NewDeliverer(s.send, DefaultPolicy(), mock, WithSleep(advancing(mock)))

	res := d.Deliver(context.Background(), testSegment("", 1))
	require.ErrorIs(t, res.Err, ErrMaxRetriesExceeded)
	assert.Equal(t, DefaultMaxRetries, res.Attempts)
	assert.Equal(t, []time.Duration{0, 5 * time.Second, 15 * time.Second, 30 * time.Second, 50 * time.Second}, s.at)
}

func TestDeliverSucceedsOnLastAttempt(t *testing.T) {
	mock := clock.NewMock()
	s := &scripted{clock: mock, failures: 4, start: mock.Now()}
	d := NewDeliverer(s.send, DefaultPolicy(), mock, WithSleep(advancing(mock)))

	res := d.Deliver(context.Background(), testSegment("", 1))
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Attempts)
}

func TestDeliverZeroRetriesStillAttemptsOnce(t *testing.T) {
	mock := clock.NewMock()
	s := &scripted{clock: mock, failures: 100, start: mock.Now()}
	d := NewDeliverer(s.send, Policy{BaseInterval: time.Second}, mock, WithSleep(advancing(mock)))

	res := d.Deliver(context.Background(), testSegment("", 1))
	require.ErrorIs(t, res.Err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, res.Attempts)
}

func TestDeliverStopsOnCancel(t *testing.T) {
	mock := clock.NewMock()
	s := &scripted{clock: mock, failures: 100, start: mock.Now()}
	d := NewDeliverer(s.send, DefaultPolicy(), mock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- d.Deliver(ctx, testSegment("", 1)) }()

	// The loop is now parked on the mock clock waiting for the first retry
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.at) == 1
	}, time.Second, 2*time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Equal(t, 1, res.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("deliver did not return after cancel")
	}
}

func TestClockSleepWakesOnMockAdvance(t *testing.T) {
	mock := clock.NewMock()
	sleep := ClockSleep(mock)
	done := make(chan error, 1)
	go func() { done <- sleep(context.Background(), 5*time.Second) }()

	// Keep advancing until the timer registered by the goroutine fires
	require.Eventually(t, func() bool {
		mock.Add(5 * time.Second)
		select {
		case err := <-done:
			return err == nil
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
