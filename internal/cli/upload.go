package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/config"
	"github.com/vburojevic/replaykit/internal/delivery"
	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/output"
	"github.com/vburojevic/replaykit/internal/performance"
	"github.com/vburojevic/replaykit/internal/replay"
	"github.com/vburojevic/replaykit/internal/session"
	"github.com/vburojevic/replaykit/internal/stream"
	"github.com/vburojevic/replaykit/internal/tmux"
	"github.com/vburojevic/replaykit/internal/tui"
)

// dryRunDSN addresses segments that are never sent
const dryRunDSN = "http://dry-run@localhost/0"

// UploadCmd records a signal stream into segments and uploads them
type UploadCmd struct {
	Input string `arg:"" optional:"" default:"-" help:"NDJSON signal stream, '-' for stdin"`

	DSN        string        `help:"Ingestion DSN; defaults to config"`
	DryRun     bool          `help:"Segment the stream without uploading"`
	Realtime   bool          `help:"Wait out the gaps between signals instead of replaying in accelerated time"`
	Compress   bool          `help:"Compress segments (overrides config)"`
	SampleRate float64       `default:"-1" help:"Session sample rate 0..1 (overrides config)"`
	NoSticky   bool          `help:"Keep the session in memory only"`
	Teardown   bool          `help:"Forget the session when the stream ends"`
	Wait       time.Duration `default:"30s" help:"How long to wait for pending uploads at the end"`

	ErrorSampleRate float64 `default:"-1" help:"Rate 0..1 of unsampled sessions recorded until an error (overrides config)"`
	OnlyOnError     bool    `help:"Hold segments until the stream carries an error event"`

	UI          bool   `help:"Show a live monitor instead of records"`
	Tmux        bool   `help:"Mirror records into a tmux session"`
	TmuxSession string `help:"tmux session name; derived from the store key by default"`

	StoreFlags
}

// uploadRun holds the state of one upload invocation
type uploadRun struct {
	globals *Globals
	writer  *output.NDJSONWriter
	clock   clock.Clock
	out     io.Writer

	monitor    *tui.Monitor
	tmux       *tmux.Manager
	tmuxWriter *tmux.Writer

	mu       sync.Mutex
	sent     int
	dropped  int
	sessions int
}

// Run executes the upload command
func (c *UploadCmd) Run(globals *Globals) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	in, closeInput, err := c.openInput()
	if err != nil {
		return outputErrorCommon(globals, "INPUT_UNAVAILABLE", err.Error())
	}
	defer closeInput()

	return c.run(ctx, globals, in)
}

func (c *UploadCmd) openInput() (io.Reader, func(), error) {
	if c.Input == "" || c.Input == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(c.Input)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// applyOverrides folds flags into the loaded configuration
func (c *UploadCmd) applyOverrides(globals *Globals) *config.Config {
	c.StoreFlags.apply(globals)
	cfg := globals.config()
	if c.DSN != "" {
		cfg.DSN = c.DSN
	}
	if c.Compress {
		cfg.Replay.Compression = true
	}
	if c.SampleRate >= 0 {
		cfg.Replay.SampleRate = c.SampleRate
	}
	if c.ErrorSampleRate >= 0 {
		cfg.Replay.ErrorSampleRate = c.ErrorSampleRate
	}
	if c.OnlyOnError {
		cfg.Replay.CaptureOnlyOnError = true
	}
	if c.NoSticky {
		cfg.Replay.Sticky = false
	}
	return cfg
}

func (c *UploadCmd) run(ctx context.Context, globals *Globals, in io.Reader) error {
	cfg := c.applyOverrides(globals)
	if err := validateFlags(globals, c.DryRun, cfg.DSN); err != nil {
		return err
	}
	if c.UI && c.Tmux {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--ui and --tmux cannot be combined")
	}

	logger := globals.Logger()
	dsn := cfg.DSN
	if c.DryRun {
		dsn = dryRunDSN
	}
	host, err := stream.NewHost(dsn, logger.Named("host"))
	if err != nil {
		return outputErrorCommon(globals, "INVALID_DSN", err.Error(), "expected scheme://publickey@host/project")
	}

	var store session.Store = session.NewMemoryStore()
	storeName := "memory"
	if cfg.Replay.Sticky {
		s, name, closeStore, err := openStore(ctx, cfg.Store)
		if err != nil {
			return outputErrorCommon(globals, "STORE_UNAVAILABLE", err.Error(), "use --no-sticky or --store memory to skip persistence")
		}
		defer closeStore()
		store, storeName = s, name
	}

	var clk clock.Clock = clock.New()
	if !c.Realtime {
		clk = clock.NewMock()
	}

	// Peek the first timestamp so accelerated playback starts on the
	// recording's timeline
	in, first, err := stream.PeekStart(in)
	if err != nil {
		return outputErrorCommon(globals, "INVALID_INPUT", err.Error())
	}
	if m, ok := clk.(*clock.Mock); ok {
		if first.IsZero() {
			first = time.Now()
		}
		m.Set(first)
	}
	if first.IsZero() {
		first = clk.Now()
	}

	u := &uploadRun{
		globals: globals,
		clock:   clk,
		out:     globals.Stdout,
	}
	if c.Tmux {
		u.attachTmux(c.tmuxSession(cfg), storeName, c.inputName())
		if u.tmuxWriter != nil {
			defer u.tmuxWriter.Flush()
		}
	}
	u.writer = output.NewNDJSONWriter(u.out)

	recorder := stream.NewRecorder(clk, logger.Named("recorder"))
	rp, err := replay.New(cfg.ReplayOptions(), host, recorder, c.sender(cfg, logger),
		replay.WithClock(clk),
		replay.WithLogger(logger.Named("replay")),
		replay.WithStore(store),
		// Retries wait in real time even when playback is accelerated
		replay.WithRetrySleep(delivery.ClockSleep(clock.New())),
		replay.WithNormalizer(performance.Normalizer{TimeOrigin: first, IngestHost: host.DSN().Host}),
	)
	if err != nil {
		return outputErrorCommon(globals, "INVALID_CONFIG", err.Error())
	}
	recorder.Attach(rp)
	rp.OnSessionChange(u.sessionChanged)
	rp.OnSegment(u.segmentDone)
	host.OnDiagnostic(u.diagnostic)
	host.OnCapture(u.hostEvent)

	runner := &stream.Runner{
		Replay:      rp,
		Recorder:    recorder,
		Host:        host,
		Clock:       clk,
		Logger:      logger.Named("stream"),
		OnHostEvent: u.hostEvent,
	}

	execute := func(ctx context.Context) (stream.Stats, error) {
		rp.Start(ctx)
		current, _ := rp.Session()
		u.ready(current, storeName, cfg.Replay.Compression)

		stats, runErr := runner.Run(ctx, in)

		rp.Flush()
		waitCtx, cancelWait := context.WithTimeout(context.Background(), c.Wait)
		if err := rp.Wait(waitCtx); err != nil {
			logger.Warn("gave up waiting for pending uploads", zap.Duration("wait", c.Wait))
		}
		cancelWait()

		if c.Teardown {
			rp.Teardown(context.Background())
		} else {
			rp.Stop()
		}
		return stats, runErr
	}

	var stats stream.Stats
	var runErr error
	if c.UI {
		stats, runErr = u.withMonitor(ctx, c.monitorInput(), execute)
	} else {
		stats, runErr = execute(ctx)
	}

	final, _ := rp.Session()
	u.summary(final.ID, stats)
	if runErr != nil {
		return outputErrorCommon(globals, "STREAM_FAILED", runErr.Error())
	}
	return nil
}

func (c *UploadCmd) inputName() string {
	if c.Input == "" || c.Input == "-" {
		return "stdin"
	}
	return c.Input
}

func (c *UploadCmd) tmuxSession(cfg *config.Config) string {
	if c.TmuxSession != "" {
		return c.TmuxSession
	}
	return tmux.GenerateSessionName(cfg.Store.Key)
}

// monitorInput returns the monitor's key source. Keys cannot be read when
// the signal stream arrives on stdin.
func (c *UploadCmd) monitorInput() io.Reader {
	if c.Input == "" || c.Input == "-" {
		return nil
	}
	return os.Stdin
}

// sender builds the transports. Dry runs upload nothing.
func (c *UploadCmd) sender(cfg *config.Config, logger *zap.Logger) replay.Sender {
	if c.DryRun {
		return dryRunSender{}
	}
	s := &delivery.Sender{HTTP: delivery.NewHTTPTransport(cfg.Delivery.Timeout)}
	if cfg.Delivery.Beacon {
		s.Beacon = &delivery.BeaconTransport{
			MaxBytes: cfg.Delivery.BeaconMaxBytes,
			Logger:   logger.Named("beacon"),
		}
	}
	return s
}

type dryRunSender struct{}

func (dryRunSender) Send(context.Context, delivery.Segment) (string, error) {
	return "dry_run", nil
}

// attachTmux redirects records into a tmux pane. Output stays on stdout
// when tmux is unavailable.
func (u *uploadRun) attachTmux(name, storeName, input string) {
	globals := u.globals
	if !tmux.IsTmuxAvailable() {
		globals.Logger().Warn("tmux not found, writing to stdout")
		return
	}
	mgr, err := tmux.NewManager(&tmux.Config{SessionName: name, Store: storeName})
	if err == nil {
		err = mgr.GetOrCreateSession()
	}
	if err != nil {
		globals.Logger().Warn("tmux unavailable, writing to stdout", zap.Error(err))
		return
	}
	if err := mgr.ClearPaneWithBanner("Uploading "+input, time.Now()); err != nil {
		globals.Logger().Debug("tmux banner failed", zap.Error(err))
	}

	if globals.Format == "ndjson" {
		output.NewNDJSONWriter(globals.Stdout).Write(map[string]any{
			"type":          "tmux",
			"schemaVersion": output.SchemaVersion,
			"session":       name,
			"attach":        mgr.AttachCommand(),
		})
	} else {
		fmt.Fprintf(globals.Stdout, "Tmux session: %s\n", name)
		fmt.Fprintf(globals.Stdout, "Attach with: %s\n", mgr.AttachCommand())
	}

	u.tmux = mgr
	u.tmuxWriter = tmux.NewWriter(mgr)
	u.out = u.tmuxWriter
}

// withMonitor runs execute while a live monitor owns the terminal. Quitting
// the monitor cancels the stream.
func (u *uploadRun) withMonitor(ctx context.Context, keys io.Reader, execute func(context.Context) (stream.Stats, error)) (stream.Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	u.monitor = tui.NewMonitor("replaykit upload", keys, u.globals.Stdout, cancel)

	type result struct {
		stats stream.Stats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := execute(ctx)
		u.monitor.Send(tui.DoneMsg{Signals: stats.Signals, Skipped: stats.Skipped, Err: err})
		done <- result{stats, err}
	}()

	if err := u.monitor.Run(); err != nil {
		u.globals.Logger().Warn("monitor failed, stopping upload", zap.Error(err))
		cancel()
	}
	res := <-done
	u.monitor = nil
	return res.stats, res.err
}

func (u *uploadRun) ready(s session.Session, storeName string, compression bool) {
	if u.globals.Quiet || u.monitor != nil {
		return
	}
	if u.globals.Format == "ndjson" {
		u.writer.WriteReady(u.clock.Now(), s.ID, s.SegmentID, s.Sampled, storeName, compression)
		return
	}
	fmt.Fprintf(u.out, "Recording session %s (segment %d, store %s)\n", s.ID, s.SegmentID, storeName)
}

func (u *uploadRun) sessionChanged(change *session.Change) {
	u.mu.Lock()
	u.sessions++
	u.mu.Unlock()

	now := u.clock.Now()
	if u.monitor != nil {
		msg := tui.SessionMsg{ID: change.Current.ID, Reason: change.Reason, Sampled: change.Current.Sampled}
		if change.Previous != nil {
			msg.Previous = change.Previous.ID
		}
		u.monitor.Send(msg)
		return
	}
	if u.tmux != nil {
		u.tmux.WriteSessionBanner(change.Start(now), change.End(now))
	}
	if u.globals.Quiet {
		return
	}
	if u.globals.Format == "ndjson" {
		u.writer.WriteSessionEnd(change.End(now))
		u.writer.WriteSessionStart(change.Start(now))
		return
	}
	fmt.Fprintf(u.out, "Session %s started (%s)\n", change.Current.ID, change.Reason)
}

func (u *uploadRun) segmentDone(res domain.SegmentResult) {
	u.mu.Lock()
	if res.Type == domain.SegmentSent {
		u.sent++
	} else {
		u.dropped++
	}
	u.mu.Unlock()

	if u.monitor != nil {
		u.monitor.Send(tui.SegmentMsg(res))
		return
	}
	if u.globals.Format == "ndjson" {
		u.writer.WriteSegmentResult(res)
		return
	}
	if res.Error != "" {
		fmt.Fprintf(u.out, "Segment %d of %s dropped after %d attempts: %s\n", res.SegmentID, res.ReplayID, res.Attempts, res.Error)
		return
	}
	fmt.Fprintf(u.out, "Segment %d of %s sent via %s (%d bytes)\n", res.SegmentID, res.ReplayID, res.Transport, res.Bytes)
}

func (u *uploadRun) hostEvent(ev *replay.HostEvent) {
	if u.monitor != nil || u.globals.Quiet || u.globals.Format != "ndjson" {
		return
	}
	record := map[string]any{
		"type":          "host_event",
		"schemaVersion": output.SchemaVersion,
		"event_type":    ev.Type,
		"tags":          ev.Tags,
	}
	if ev.EventID != "" {
		record["event_id"] = ev.EventID
	}
	if ev.Type == replay.ReplayEventType {
		record["replay_id"] = ev.ReplayID
		record["segment_id"] = ev.SegmentID
		record["error_ids"] = ev.ErrorIDs
		record["trace_ids"] = ev.TraceIDs
		record["urls"] = ev.URLs
	}
	u.writer.Write(record)
}

func (u *uploadRun) diagnostic(err error) {
	if u.monitor != nil {
		u.monitor.Send(tui.DiagnosticMsg{Err: err})
		return
	}
	if u.globals.Format == "ndjson" {
		u.writer.WriteError("DELIVERY_FAILED", err.Error())
	}
}

func (u *uploadRun) summary(sessionID string, stats stream.Stats) {
	u.mu.Lock()
	s := output.Summary{
		SessionID: sessionID,
		Signals:   stats.Signals,
		Skipped:   stats.Skipped,
		Sent:      u.sent,
		Dropped:   u.dropped,
		Sessions:  u.sessions,
	}
	u.mu.Unlock()

	// The summary always reaches stdout, even when records went elsewhere
	if u.globals.Format == "ndjson" {
		output.NewNDJSONWriter(u.globals.Stdout).WriteSummary(s)
		return
	}
	fmt.Fprintf(u.globals.Stdout, "Done: %d signals (%d skipped), %d segments sent, %d dropped\n",
		s.Signals, s.Skipped, s.Sent, s.Dropped)
}
