package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/replaykit/internal/config"
	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/session"
	filestore "github.com/vburojevic/replaykit/internal/store/file"
)

// testGlobals creates a Globals struct with captured stdout/stderr
func testGlobals(format string) (*Globals, *bytes.Buffer, *bytes.Buffer) {
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	return &Globals{
		Format:  format,
		Quiet:   false,
		Verbose: false,
		Stdout:  stdout,
		Stderr:  stderr,
		Config:  config.Default(),
	}, stdout, stderr
}

// records splits NDJSON output into decoded objects
func records(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var recs []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	for scanner.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), scanner.Text())
		recs = append(recs, m)
	}
	return recs
}

func ofType(recs []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, r := range recs {
		if r["type"] == typ {
			out = append(out, r)
		}
	}
	return out
}

var uploadT0 = time.UnixMilli(1580000000000)

// signalStream builds a short recording: a checkout snapshot, an
// incremental event and a click
func signalStream() string {
	ms := func(d time.Duration) int64 { return uploadT0.Add(d).UnixMilli() }
	return strings.Join([]string{
		fmt.Sprintf(`{"kind":"event","at":%d,"checkout":true,"event":{"type":2,"timestamp":%d,"data":{"node":{}}}}`, ms(0), ms(0)),
		fmt.Sprintf(`{"kind":"event","at":%d,"event":{"type":3,"timestamp":%d,"data":{"source":1}}}`, ms(time.Second), ms(time.Second)),
		fmt.Sprintf(`{"kind":"dom","at":%d,"name":"click","target":"button#buy"}`, ms(2*time.Second)),
		`{"kind":"nonsense"}`,
		"",
	}, "\n")
}

// --- Config Command Tests ---

func TestConfigShowCmd_Run(t *testing.T) {
	t.Run("outputs config in text format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &ConfigShowCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		output := stdout.String()
		assert.Contains(t, output, "Current Configuration:")
		assert.Contains(t, output, "format:")
		assert.Contains(t, output, "Replay:")
		assert.Contains(t, output, "flush_min_delay: 5s")
		assert.Contains(t, output, "Store:")
	})

	t.Run("outputs config in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &ConfigShowCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		err = json.Unmarshal(stdout.Bytes(), &result)
		require.NoError(t, err)

		assert.Equal(t, "config", result["type"])
		assert.Contains(t, result, "format")
		assert.Contains(t, result, "replay")
		assert.Contains(t, result, "delivery")
		replay := result["replay"].(map[string]interface{})
		assert.Equal(t, "15m0s", replay["session_idle_timeout"])
	})

	t.Run("redacts the DSN key", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		globals.Config.DSN = "https://secretkey@ingest.example.com/42"

		require.NoError(t, (&ConfigShowCmd{}).Run(globals))
		assert.NotContains(t, stdout.String(), "secretkey")
		assert.Contains(t, stdout.String(), "ingest.example.com")
	})
}

func TestConfigPathCmd_Run(t *testing.T) {
	t.Run("outputs path info in text format when no config", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &ConfigPathCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		output := stdout.String()
		// Either shows the path or says no config found
		assert.True(t, strings.Contains(output, "Config file:") || strings.Contains(output, "No configuration file found"))
	})

	t.Run("outputs path in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &ConfigPathCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		var result map[string]interface{}
		err = json.Unmarshal(stdout.Bytes(), &result)
		require.NoError(t, err)

		assert.Equal(t, "config_path", result["type"])
		assert.Contains(t, result, "path")
		assert.Contains(t, result, "found")
	})
}

func TestConfigGenerateCmd_Run(t *testing.T) {
	t.Run("outputs sample config YAML", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &ConfigGenerateCmd{}

		err := cmd.Run(globals)
		require.NoError(t, err)

		output := stdout.String()
		assert.Contains(t, output, "# replaykit configuration file")
		assert.Contains(t, output, "format: ndjson")
		assert.Contains(t, output, "flush_min_delay: 5s")
		assert.Contains(t, output, "max_retries: 5")
		assert.Contains(t, output, "kind: file")
	})

	t.Run("generated YAML loads back", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		require.NoError(t, (&ConfigGenerateCmd{}).Run(globals))

		path := filepath.Join(t.TempDir(), "replaykit.yaml")
		require.NoError(t, os.WriteFile(path, stdout.Bytes(), 0o600))

		cfg, err := config.LoadFromFile(path)
		require.NoError(t, err)
		assert.Equal(t, config.Default().Replay, cfg.Replay)
		assert.Equal(t, config.Default().Breadcrumbs.Exclude, cfg.Breadcrumbs.Exclude)
	})
}

// --- Session Command Tests ---

func TestSessionShow(t *testing.T) {
	t.Run("memory store has no session", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		globals.Config.Store.Kind = config.StoreMemory

		require.NoError(t, showSession(context.Background(), globals, time.Now()))

		var out SessionOutput
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
		assert.Equal(t, "session", out.Type)
		assert.Equal(t, "memory", out.Store)
		assert.False(t, out.Found)
	})

	t.Run("file store reports expiry state", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.json")
		store, err := filestore.NewStore(path)
		require.NoError(t, err)
		s := session.New(1, uploadT0, nil)
		s.SegmentID = 3
		require.NoError(t, store.Save(context.Background(), s))

		globals, stdout, _ := testGlobals("ndjson")
		globals.Config.Store.Path = path

		require.NoError(t, showSession(context.Background(), globals, uploadT0.Add(20*time.Minute)))

		var out SessionOutput
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
		assert.True(t, out.Found)
		assert.Equal(t, s.ID, out.SessionID)
		assert.Equal(t, 3, out.SegmentID)
		assert.Equal(t, "idle_expired", out.State)
		assert.Equal(t, 1200, out.IdleSeconds)
		assert.Equal(t, "file:"+path, out.Store)
	})

	t.Run("text output renders a table", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "session.json")
		store, err := filestore.NewStore(path)
		require.NoError(t, err)
		s := session.New(1, uploadT0, nil)
		require.NoError(t, store.Save(context.Background(), s))

		globals, stdout, _ := testGlobals("text")
		globals.Config.Store.Path = path

		require.NoError(t, showSession(context.Background(), globals, uploadT0.Add(time.Minute)))
		output := stdout.String()
		assert.Contains(t, output, s.ID)
		assert.Contains(t, output, "active")
	})

	t.Run("unknown store fails", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		globals.Config.Store.Kind = "tape"

		require.Error(t, showSession(context.Background(), globals, time.Now()))
		recs := records(t, stdout)
		require.Len(t, recs, 1)
		assert.Equal(t, "STORE_UNAVAILABLE", recs[0]["code"])
	})
}

func TestSessionClearCmd_Run(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	store, err := filestore.NewStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), session.New(1, uploadT0, nil)))

	globals, stdout, _ := testGlobals("ndjson")
	cmd := &SessionClearCmd{StoreFlags: StoreFlags{Path: path}}
	require.NoError(t, cmd.Run(globals))

	recs := records(t, stdout)
	require.Len(t, recs, 1)
	assert.Equal(t, "session_cleared", recs[0]["type"])

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

// --- Upload Command Tests ---

func TestUploadCmd_DryRun(t *testing.T) {
	globals, stdout, _ := testGlobals("ndjson")
	cmd := &UploadCmd{DryRun: true, NoSticky: true, SampleRate: -1, Wait: 2 * time.Second}

	require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))

	recs := records(t, stdout)
	ready := ofType(recs, "ready")
	require.Len(t, ready, 1)
	assert.Equal(t, "memory", ready[0]["store"])
	assert.Equal(t, uploadT0.UTC().Format(time.RFC3339), ready[0]["timestamp"])

	starts := ofType(recs, "session_start")
	require.Len(t, starts, 1)
	sessionID := starts[0]["session_id"]

	sent := ofType(recs, domain.SegmentSent)
	require.Len(t, sent, 2)
	for i, rec := range sent {
		assert.Equal(t, "dry_run", rec["transport"])
		assert.Equal(t, sessionID, rec["replay_id"])
		assert.EqualValues(t, i, rec["segment_id"])
	}

	summary := ofType(recs, "summary")
	require.Len(t, summary, 1)
	assert.EqualValues(t, 3, summary[0]["signals"])
	assert.EqualValues(t, 1, summary[0]["skipped"])
	assert.EqualValues(t, 2, summary[0]["segments_sent"])
	assert.EqualValues(t, 0, summary[0]["segments_dropped"])
	assert.Equal(t, sessionID, summary[0]["session_id"])
}

func TestUploadCmd_RequiresDSN(t *testing.T) {
	globals, stdout, _ := testGlobals("ndjson")
	cmd := &UploadCmd{NoSticky: true, SampleRate: -1, Wait: time.Second}

	err := cmd.run(context.Background(), globals, strings.NewReader(signalStream()))
	require.Error(t, err)
	assert.Equal(t, "MISSING_DSN", ErrorCode(err))
	recs := records(t, stdout)
	require.Len(t, recs, 1)
	assert.Equal(t, "MISSING_DSN", recs[0]["code"])
}

func TestUploadCmd_RejectsBadDSN(t *testing.T) {
	globals, stdout, _ := testGlobals("ndjson")
	cmd := &UploadCmd{DSN: "ftp://nope", NoSticky: true, SampleRate: -1, Wait: time.Second}

	require.Error(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))
	recs := records(t, stdout)
	require.Len(t, recs, 1)
	assert.Equal(t, "INVALID_DSN", recs[0]["code"])
}

func TestUploadCmd_MalformedStream(t *testing.T) {
	globals, stdout, _ := testGlobals("ndjson")
	cmd := &UploadCmd{DryRun: true, NoSticky: true, SampleRate: -1, Wait: time.Second}

	input := signalStream() + "{not json\n"
	err := cmd.run(context.Background(), globals, strings.NewReader(input))
	require.Error(t, err)
	assert.Equal(t, "STREAM_FAILED", ErrorCode(err))

	recs := records(t, stdout)
	errs := ofType(recs, "error")
	require.Len(t, errs, 1)
	assert.Equal(t, "STREAM_FAILED", errs[0]["code"])
	// What was read before the bad line is still delivered
	assert.Len(t, ofType(recs, domain.SegmentSent), 2)
	assert.Len(t, ofType(recs, "summary"), 1)
}

func TestUploadCmd_TextOutput(t *testing.T) {
	globals, stdout, _ := testGlobals("text")
	cmd := &UploadCmd{DryRun: true, NoSticky: true, SampleRate: -1, Wait: 2 * time.Second}

	require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))

	output := stdout.String()
	assert.Contains(t, output, "Recording session")
	assert.Contains(t, output, "Segment 0 of")
	assert.Contains(t, output, "sent via dry_run")
	assert.Contains(t, output, "Done: 3 signals (1 skipped), 2 segments sent, 0 dropped")
}

func TestUploadCmd_Unsampled(t *testing.T) {
	globals, stdout, _ := testGlobals("ndjson")
	cmd := &UploadCmd{DryRun: true, NoSticky: true, SampleRate: 0, Wait: time.Second}

	require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))

	recs := records(t, stdout)
	ready := ofType(recs, "ready")
	require.Len(t, ready, 1)
	assert.Equal(t, false, ready[0]["sampled"])
	assert.Empty(t, ofType(recs, domain.SegmentSent))
}

func TestUploadCmd_OnlyOnError(t *testing.T) {
	t.Run("holds segments without an error", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &UploadCmd{DryRun: true, NoSticky: true, SampleRate: -1, ErrorSampleRate: -1, OnlyOnError: true, Wait: time.Second}

		require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))
		recs := records(t, stdout)
		assert.Empty(t, ofType(recs, domain.SegmentSent))
		assert.Empty(t, ofType(recs, "host_event"))
	})

	t.Run("an error event releases the recording", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &UploadCmd{DryRun: true, NoSticky: true, SampleRate: 0, ErrorSampleRate: 1, Wait: 2 * time.Second}

		errorLine := fmt.Sprintf(`{"kind":"host_event","at":%d,"host_event":{"type":"error","event_id":"e1"}}`,
			uploadT0.Add(3*time.Second).UnixMilli())
		require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream()+errorLine+"\n")))

		recs := records(t, stdout)
		sessionID := ofType(recs, "session_start")[0]["session_id"]
		sent := ofType(recs, domain.SegmentSent)
		require.NotEmpty(t, sent)
		assert.EqualValues(t, 0, sent[0]["segment_id"])

		var replayEvents, errorEvents []map[string]any
		for _, rec := range ofType(recs, "host_event") {
			switch rec["event_type"] {
			case "replay_event":
				replayEvents = append(replayEvents, rec)
			case "error":
				errorEvents = append(errorEvents, rec)
			}
		}
		require.NotEmpty(t, replayEvents)
		assert.Equal(t, sessionID, replayEvents[0]["replay_id"])
		assert.Equal(t, []any{"e1"}, replayEvents[0]["error_ids"])
		require.Len(t, errorEvents, 1)
		assert.Equal(t, map[string]any{"replayId": sessionID}, errorEvents[0]["tags"])
	})
}

func TestUploadCmd_UIAndTmuxConflict(t *testing.T) {
	globals, stdout, _ := testGlobals("ndjson")
	cmd := &UploadCmd{DryRun: true, NoSticky: true, SampleRate: -1, UI: true, Tmux: true}

	require.Error(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))
	recs := records(t, stdout)
	require.Len(t, recs, 1)
	assert.Equal(t, "INVALID_FLAGS", recs[0]["code"])
}

func TestUploadCmd_TmuxSessionName(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Key = "Checkout Flow"
	assert.Equal(t, "replaykit-checkout-flow", (&UploadCmd{}).tmuxSession(cfg))
	assert.Equal(t, "mine", (&UploadCmd{TmuxSession: "mine"}).tmuxSession(cfg))
}

// ingestServer records multipart uploads
type ingestServer struct {
	*httptest.Server
	mu      sync.Mutex
	headers []domain.SegmentHeader
	paths   []string
	status  int
}

func newIngestServer(t *testing.T, status int) *ingestServer {
	s := &ingestServer{status: status}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("sentry_key") != "testkey" || q.Get("sentry_client") != "replay" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var h domain.SegmentHeader
		if err := json.Unmarshal([]byte(r.FormValue("segment")), &h); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.headers = append(s.headers, h)
		s.paths = append(s.paths, r.URL.Path)
		s.mu.Unlock()
		w.WriteHeader(s.status)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *ingestServer) dsn() string {
	return strings.Replace(s.URL, "://", "://testkey@", 1) + "/42"
}

func (s *ingestServer) received() []domain.SegmentHeader {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SegmentHeader(nil), s.headers...)
}

func TestUploadCmd_UploadsToIngest(t *testing.T) {
	srv := newIngestServer(t, http.StatusOK)

	globals, stdout, _ := testGlobals("ndjson")
	cmd := &UploadCmd{DSN: srv.dsn(), NoSticky: true, SampleRate: -1, Wait: 5 * time.Second}
	require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))

	headers := srv.received()
	require.Len(t, headers, 2)
	assert.Equal(t, 0, headers[0].SegmentID)
	assert.Equal(t, 1, headers[1].SegmentID)
	assert.Equal(t, headers[0].ReplayID, headers[1].ReplayID)
	assert.Equal(t, 1, headers[0].Events)
	assert.Equal(t, "/api/42/events/"+headers[0].ReplayID+"/attachments/", srv.paths[0])

	recs := records(t, stdout)
	sent := ofType(recs, domain.SegmentSent)
	require.Len(t, sent, 2)
	assert.Equal(t, "http", sent[0]["transport"])
}

func TestUploadCmd_CompressedUpload(t *testing.T) {
	srv := newIngestServer(t, http.StatusOK)

	globals, _, _ := testGlobals("ndjson")
	cmd := &UploadCmd{DSN: srv.dsn(), NoSticky: true, Compress: true, SampleRate: -1, Wait: 5 * time.Second}
	require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))

	headers := srv.received()
	require.Len(t, headers, 2)
	for _, h := range headers {
		assert.True(t, h.Compressed)
	}
}

func TestUploadCmd_ReportsDroppedSegments(t *testing.T) {
	srv := newIngestServer(t, http.StatusInternalServerError)

	globals, stdout, _ := testGlobals("ndjson")
	globals.Config.Delivery.MaxRetries = 0
	cmd := &UploadCmd{DSN: srv.dsn(), NoSticky: true, SampleRate: -1, Wait: 5 * time.Second}
	require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))

	recs := records(t, stdout)
	dropped := ofType(recs, domain.SegmentDropped)
	require.NotEmpty(t, dropped)
	assert.EqualValues(t, 1, dropped[0]["attempts"])
	assert.Contains(t, dropped[0]["error"], "500")

	errs := ofType(recs, "error")
	require.NotEmpty(t, errs)
	assert.Equal(t, "DELIVERY_FAILED", errs[0]["code"])

	summary := ofType(recs, "summary")
	require.Len(t, summary, 1)
	assert.EqualValues(t, 0, summary[0]["segments_sent"])
}

func TestUploadCmd_StickySessionContinues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	upload := func() []map[string]any {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &UploadCmd{DryRun: true, SampleRate: -1, Wait: 2 * time.Second, StoreFlags: StoreFlags{Path: path}}
		require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))
		return records(t, stdout)
	}

	first := upload()
	second := upload()

	firstReady := ofType(first, "ready")[0]
	secondReady := ofType(second, "ready")[0]
	assert.Equal(t, "file:"+path, firstReady["store"])
	assert.Equal(t, firstReady["session_id"], secondReady["session_id"])
	assert.Empty(t, ofType(second, "session_start"), "persisted session is resumed")

	sent := ofType(second, domain.SegmentSent)
	require.Len(t, sent, 2)
	assert.EqualValues(t, 2, sent[0]["segment_id"])
	assert.EqualValues(t, 3, sent[1]["segment_id"])
}

func TestUploadCmd_TeardownClearsSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")

	globals, _, _ := testGlobals("ndjson")
	cmd := &UploadCmd{DryRun: true, Teardown: true, SampleRate: -1, Wait: 2 * time.Second, StoreFlags: StoreFlags{Path: path}}
	require.NoError(t, cmd.run(context.Background(), globals, strings.NewReader(signalStream())))

	store, err := filestore.NewStore(path)
	require.NoError(t, err)
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

// --- Version Command Tests ---

func TestVersionCmd_Run(t *testing.T) {
	t.Run("outputs version in NDJSON format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("ndjson")
		cmd := &VersionCmd{}

		require.NoError(t, cmd.Run(globals))

		var out VersionOutput
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
		assert.Equal(t, "version", out.Type)
		assert.Equal(t, Version, out.Version)
		assert.Contains(t, out.GoInstall, "cmd/replaykit")
	})

	t.Run("outputs version in text format", func(t *testing.T) {
		globals, stdout, _ := testGlobals("text")
		cmd := &VersionCmd{}

		require.NoError(t, cmd.Run(globals))
		assert.Contains(t, stdout.String(), Version)
	})
}
