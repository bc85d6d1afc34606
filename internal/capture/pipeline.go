// Package capture supervises decoder subprocesses (ffmpeg) that turn
// camera and microphone inputs into frame streams. Each pipeline owns one
// subprocess and restarts it with exponential backoff when it fails,
// rotating RTSP transports and tripping a circuit breaker when recovery
// keeps failing.
package capture

import (
	"bufio"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/guardian/internal/errors"
	"github.com/tphakala/guardian/internal/logging"
	"github.com/tphakala/guardian/internal/observability"
)

const (
	stdoutReadChunk  = 32 * 1024
	stderrTailLimit  = 20
	stderrLineLimit  = 16 * 1024
	reapGraceTimeout = 2 * time.Second
	// pcmChunkMs is the audio frame granularity delivered to detectors.
	pcmChunkMs = 100
)

// Frame is one decoded unit delivered to the frame handler: a complete PNG
// for video pipelines, a fixed-size s16le PCM chunk for audio pipelines.
type Frame struct {
	Kind    string
	Channel string
	Data    []byte
	Ts      time.Time
}

// RecoverEvent is emitted after a failure is classified and a restart has
// been scheduled, before the next spawn.
type RecoverEvent struct {
	Kind      string
	Channel   string
	Reason    FailureReason
	Attempt   int
	DelayMs   int64
	Backoff   BackoffMeta
	Transport string
}

// FatalEvent is emitted when the circuit breaker trips and the pipeline
// stops restarting.
type FatalEvent struct {
	Kind        string
	Channel     string
	Attempts    int
	LastFailure FailureReason
}

// TransportChangeEvent is emitted when the RTSP transport rotates or is
// reset.
type TransportChangeEvent struct {
	Kind    string
	Channel string
	From    string
	To      string
	Reason  string
	Reset   bool
}

// Hooks receive pipeline lifecycle callbacks. All hooks are invoked
// outside the pipeline lock; OnFrame runs at most once concurrently per
// pipeline and further frames are dropped while it is busy.
type Hooks struct {
	OnFrame           func(Frame)
	OnRecover         func(RecoverEvent)
	OnFatal           func(FatalEvent)
	OnTransportChange func(TransportChangeEvent)
}

// ResetTransportOptions controls ResetTransportFallback.
type ResetTransportOptions struct {
	Reason               string
	Record               bool
	ResetsCircuitBreaker bool
}

// process abstracts the running decoder subprocess so tests can drive the
// supervision loop without spawning ffmpeg.
type process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

type osProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func (p *osProcess) Stdout() io.Reader { return p.stdout }
func (p *osProcess) Stderr() io.Reader { return p.stderr }

func (p *osProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) Wait() error { return p.cmd.Wait() }

func startOSProcess(binary string, args ...string) (process, error) {
	cmd := exec.Command(binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// Pipeline supervises one decoder subprocess. All state transitions are
// serialized by mu; timer and reader callbacks carry the spawn generation
// and are discarded when stale.
type Pipeline struct {
	mu      sync.Mutex
	opts    Options
	hooks   Hooks
	metrics *observability.Registry
	logger  *slog.Logger

	status     Status
	generation int64
	proc       process
	done       chan struct{}
	stopping   bool

	splitter      *frameSplitter
	pcmBuf        *ringbuffer.RingBuffer
	pcmChunkBytes int

	transport transportState

	restartCount int
	spawnCount   int64
	healthyRun   bool
	classified   bool
	lastFailure  FailureReason
	firstData    bool
	stderrTail   []string

	startTimer    *time.Timer
	watchdogTimer *time.Timer
	idleTimer     *time.Timer
	restartTimer  *time.Timer
	lastDataAt    time.Time

	frameBusy atomic.Bool

	now          func() time.Time
	rng          func() float64
	startProcess func(binary string, args ...string) (process, error)
}

// NewPipeline builds an idle pipeline; call Start to spawn the subprocess.
func NewPipeline(opts Options, hooks Hooks, registry *observability.Registry) *Pipeline {
	if registry == nil {
		registry = observability.NewRegistry(nil)
	}
	maxBuf := opts.MaxBufferBytes
	if maxBuf <= 0 {
		maxBuf = 16 * 1024 * 1024
	}
	p := &Pipeline{
		opts:         opts,
		hooks:        hooks,
		metrics:      registry,
		logger:       logging.ForService("capture").With("channel", opts.Channel, "kind", opts.Kind),
		status:       StatusIdle,
		splitter:     newFrameSplitter(pngMagic, maxBuf),
		transport:    newTransportState(opts.RTSPTransportSequence),
		now:          time.Now,
		rng:          rand.Float64,
		startProcess: startOSProcess,
	}
	if opts.FrameFormat == FormatPCM {
		rate := opts.SampleRate
		if rate <= 0 {
			rate = 16000
		}
		chunk := rate * 2 * pcmChunkMs / 1000
		if chunk < 2 {
			chunk = 2
		}
		p.pcmChunkBytes = chunk
		p.pcmBuf = ringbuffer.New(maxBuf)
	}
	return p
}

// Start spawns the subprocess. Starting an already supervised pipeline is
// a no-op; a broken pipeline stays broken until ResetCircuitBreaker.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	switch p.status {
	case StatusStarting, StatusRunning, StatusRecovering:
		p.mu.Unlock()
		return nil
	case StatusBroken:
		p.mu.Unlock()
		return errors.Newf("pipeline is broken; reset the circuit breaker first").
			Component("capture").
			Category(errors.CategoryState).
			Context("channel", p.opts.Channel).
			Build()
	}
	fire := p.spawnLocked()
	p.mu.Unlock()
	p.runHooks(fire)
	return nil
}

// spawnLocked launches a fresh subprocess lifecycle. Caller holds mu.
func (p *Pipeline) spawnLocked() []func() {
	p.generation++
	gen := p.generation
	p.classified = false
	p.firstData = false
	p.stderrTail = nil
	stopTimer(&p.startTimer)
	stopTimer(&p.watchdogTimer)
	stopTimer(&p.idleTimer)
	p.splitter.Reset()
	if p.pcmBuf != nil {
		p.pcmBuf.Reset()
	}
	p.setStatusLocked(StatusStarting)
	p.spawnCount++

	transportArg := ""
	if p.transport.enabled(p.opts.Input) {
		transportArg = p.transport.current
	}
	args := buildArgs(&p.opts, transportArg)

	proc, err := p.startProcess(p.opts.Binary, args...)
	if err != nil {
		reason := ReasonFFmpegError
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			reason = ReasonFFmpegMissing
		}
		p.logger.Error("decoder spawn failed", "binary", p.opts.Binary, "reason", reason, "error", err)
		return p.failLocked(gen, reason)
	}

	p.proc = proc
	done := make(chan struct{})
	p.done = done

	p.logger.Info("decoder started", "binary", p.opts.Binary, "transport", transportArg, "spawn", p.spawnCount)

	if p.opts.StartTimeoutMs > 0 {
		p.startTimer = time.AfterFunc(msDur(p.opts.StartTimeoutMs), func() { p.onStartTimeout(gen) })
	}

	go p.readStdout(gen, proc.Stdout())
	go p.readStderr(gen, proc.Stderr())
	go p.reap(gen, proc, done)
	return nil
}

func (p *Pipeline) setStatusLocked(next Status) {
	if p.status == next {
		return
	}
	if !transitionAllowed(p.status, next) {
		p.logger.Error("invalid state transition", "from", p.status, "to", next)
		return
	}
	p.status = next
}

// readStdout pumps decoder output into the framer.
func (p *Pipeline) readStdout(gen int64, r io.Reader) {
	buf := make([]byte, stdoutReadChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.ingest(gen, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// ingest consumes a chunk of stdout bytes: arms the data timers, splits
// frames and delivers them with drop-if-busy backpressure.
func (p *Pipeline) ingest(gen int64, data []byte) {
	p.mu.Lock()
	if gen != p.generation || p.classified || p.stopping {
		p.mu.Unlock()
		return
	}

	if !p.firstData {
		p.firstData = true
		stopTimer(&p.startTimer)
		p.setStatusLocked(StatusRunning)
		// The watchdog budget starts at stream start, not at the first
		// parsed frame; bytes that never form a frame must still trip it.
		p.armTimerLocked(&p.watchdogTimer, p.opts.WatchdogTimeoutMs, gen, p.onWatchdogTimeout)
		p.logger.Info("stream started", "transport", p.transport.current)
	}
	p.lastDataAt = p.now()
	p.armTimerLocked(&p.idleTimer, p.opts.IdleTimeoutMs, gen, p.onIdleTimeout)

	var frames [][]byte
	if p.pcmBuf != nil {
		frames = p.ingestPCMLocked(data)
	} else {
		var err error
		frames, err = p.splitter.Append(data)
		if err != nil {
			p.logger.Warn("frame buffer overflow", "pending", p.splitter.Pending())
			fire := p.failLocked(gen, ReasonCorruptedFrame)
			p.mu.Unlock()
			p.runHooks(fire)
			return
		}
	}

	if len(frames) > 0 {
		p.healthyRun = true
		p.armTimerLocked(&p.watchdogTimer, p.opts.WatchdogTimeoutMs, gen, p.onWatchdogTimeout)
	}
	kind, channel := p.opts.Kind, p.opts.Channel
	ts := p.now()
	p.mu.Unlock()

	for _, frame := range frames {
		p.deliver(Frame{Kind: kind, Channel: channel, Data: frame, Ts: ts})
	}
}

// ingestPCMLocked buffers raw PCM and cuts fixed-size chunks. A full ring
// drops the oldest audio rather than failing the pipeline.
func (p *Pipeline) ingestPCMLocked(data []byte) [][]byte {
	if free := p.pcmBuf.Free(); free < len(data) {
		discard := make([]byte, len(data)-free)
		_, _ = p.pcmBuf.Read(discard)
		p.metrics.RecordDroppedFrame(p.opts.Kind, p.opts.Channel)
	}
	_, _ = p.pcmBuf.Write(data)

	var frames [][]byte
	for p.pcmBuf.Length() >= p.pcmChunkBytes {
		chunk := make([]byte, p.pcmChunkBytes)
		if _, err := p.pcmBuf.Read(chunk); err != nil {
			break
		}
		frames = append(frames, chunk)
	}
	return frames
}

// deliver hands one frame to the handler, dropping it when the previous
// delivery is still in flight so a slow detector never stalls parsing.
func (p *Pipeline) deliver(frame Frame) {
	if p.hooks.OnFrame == nil {
		return
	}
	if !p.frameBusy.CompareAndSwap(false, true) {
		p.metrics.RecordDroppedFrame(frame.Kind, frame.Channel)
		return
	}
	go func() {
		defer p.frameBusy.Store(false)
		p.hooks.OnFrame(frame)
	}()
}

// readStderr scans decoder diagnostics, keeps a bounded tail for the state
// snapshot and classifies failure lines.
func (p *Pipeline) readStderr(gen int64, r io.Reader) {
	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		p.mu.Lock()
		if gen != p.generation {
			p.mu.Unlock()
			return
		}
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > stderrTailLimit {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailLimit:]
		}
		p.mu.Unlock()

		reason, matched := classifyStderrLine(line)
		if !matched {
			continue
		}
		p.logger.Warn("decoder stderr classified", "reason", reason, "line", line)
		p.fail(gen, reason)
	}
}

// reap waits for the subprocess to exit. An exit that was not preceded by
// a classified failure is itself a failure.
func (p *Pipeline) reap(gen int64, proc process, done chan struct{}) {
	err := proc.Wait()
	close(done)

	p.mu.Lock()
	if gen != p.generation || p.stopping || p.classified {
		p.mu.Unlock()
		return
	}
	p.logger.Warn("decoder exited unexpectedly", "error", err)
	fire := p.failLocked(gen, ReasonFFmpegExit)
	p.mu.Unlock()
	p.runHooks(fire)
}

func (p *Pipeline) onStartTimeout(gen int64) {
	p.mu.Lock()
	if gen != p.generation || p.firstData {
		p.mu.Unlock()
		return
	}
	fire := p.failLocked(gen, ReasonStartTimeout)
	p.mu.Unlock()
	p.runHooks(fire)
}

func (p *Pipeline) onIdleTimeout(gen int64) {
	p.mu.Lock()
	fire := p.failLocked(gen, ReasonStreamIdle)
	p.mu.Unlock()
	p.runHooks(fire)
}

func (p *Pipeline) onWatchdogTimeout(gen int64) {
	p.mu.Lock()
	// When the idle budget also ran out, idle wins the classification.
	idleExpired := p.opts.IdleTimeoutMs > 0 &&
		p.now().Sub(p.lastDataAt) >= msDur(p.opts.IdleTimeoutMs)
	reason, _ := classifyTimeout(idleExpired, true)
	fire := p.failLocked(gen, reason)
	p.mu.Unlock()
	p.runHooks(fire)
}

// fail classifies one failure for the given lifecycle.
func (p *Pipeline) fail(gen int64, reason FailureReason) {
	p.mu.Lock()
	fire := p.failLocked(gen, reason)
	p.mu.Unlock()
	p.runHooks(fire)
}

// failLocked runs the recovery protocol: terminate the subprocess, rotate
// the transport when the class warrants it, count the restart, and either
// schedule the backed-off respawn or trip the circuit breaker. Only the
// first classification per lifecycle wins. Returns hook invocations to run
// after mu is released.
func (p *Pipeline) failLocked(gen int64, reason FailureReason) []func() {
	if gen != p.generation || p.classified || p.stopping {
		return nil
	}
	if p.status == StatusIdle || p.status == StatusBroken {
		return nil
	}
	p.classified = true
	p.lastFailure = reason

	stopTimer(&p.startTimer)
	stopTimer(&p.watchdogTimer)
	stopTimer(&p.idleTimer)
	p.terminateLocked()

	var fire []func()

	if advancesTransport(reason) && p.transport.enabled(p.opts.Input) {
		from, to := p.transport.advance(string(reason))
		p.logger.Warn("rotating rtsp transport", "from", from, "to", to, "reason", reason)
		p.metrics.RecordTransportFallback(p.opts.Kind, string(reason), observability.TransportFallbackDetail{
			Channel: p.opts.Channel,
			From:    from,
			To:      to,
		})
		if hook := p.hooks.OnTransportChange; hook != nil {
			ev := TransportChangeEvent{
				Kind:    p.opts.Kind,
				Channel: p.opts.Channel,
				From:    from,
				To:      to,
				Reason:  string(reason),
			}
			fire = append(fire, func() { hook(ev) })
		}
	}

	// A run that produced at least one frame clears the consecutive
	// failure history before this failure is counted.
	if p.healthyRun {
		p.restartCount = 0
	}
	p.healthyRun = false
	p.restartCount++
	attempt := p.restartCount

	if threshold := p.opts.CircuitBreakerThreshold; threshold > 0 && attempt >= threshold {
		p.setStatusLocked(StatusBroken)
		p.logger.Error("circuit breaker tripped", "attempts", attempt, "lastFailure", reason)
		p.metrics.RecordPipelineRestart(p.opts.Kind, string(ReasonCircuitBreaker), observability.RestartDetail{
			Channel: p.opts.Channel,
			Attempt: attempt,
		})
		p.metrics.SetPipelineChannelHealth(p.opts.Kind, p.opts.Channel, &observability.ChannelHealth{
			Severity:      "critical",
			Reason:        string(ReasonCircuitBreaker),
			DegradedSince: p.now().UnixMilli(),
		})
		if hook := p.hooks.OnFatal; hook != nil {
			ev := FatalEvent{
				Kind:        p.opts.Kind,
				Channel:     p.opts.Channel,
				Attempts:    attempt,
				LastFailure: reason,
			}
			fire = append(fire, func() { hook(ev) })
		}
		return fire
	}

	delay, meta := computeBackoff(attempt, p.opts.RestartDelayMs, p.opts.RestartMaxDelayMs, p.opts.RestartJitterFactor, p.rng)
	p.setStatusLocked(StatusRecovering)
	p.logger.Warn("scheduling decoder restart",
		"reason", reason,
		"attempt", attempt,
		"delayMs", delay,
		"jitterMs", meta.AppliedJitterMs)

	p.metrics.RecordPipelineRestart(p.opts.Kind, string(reason), observability.RestartDetail{
		Channel:     p.opts.Channel,
		Attempt:     attempt,
		DelayMs:     delay,
		JitterMs:    meta.AppliedJitterMs,
		BaseDelayMs: meta.BaseDelayMs,
	})

	if hook := p.hooks.OnRecover; hook != nil {
		ev := RecoverEvent{
			Kind:      p.opts.Kind,
			Channel:   p.opts.Channel,
			Reason:    reason,
			Attempt:   attempt,
			DelayMs:   delay,
			Backoff:   meta,
			Transport: p.transport.current,
		}
		fire = append(fire, func() { hook(ev) })
	}

	stopTimer(&p.restartTimer)
	p.restartTimer = time.AfterFunc(msDur(delay), func() { p.onRestartTimer(gen) })
	return fire
}

func (p *Pipeline) onRestartTimer(gen int64) {
	p.mu.Lock()
	if gen != p.generation || p.status != StatusRecovering || p.stopping {
		p.mu.Unlock()
		return
	}
	fire := p.spawnLocked()
	p.mu.Unlock()
	p.runHooks(fire)
}

// terminateLocked asks the subprocess to exit and arms a one-shot
// force-kill timer bound to this spawn's done channel. Reaping happens in
// the per-spawn reap goroutine.
func (p *Pipeline) terminateLocked() {
	proc := p.proc
	done := p.done
	if proc == nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		p.logger.Debug("terminate signal failed", "error", err)
	}
	killAfter := p.opts.ForceKillTimeoutMs
	if killAfter <= 0 {
		killAfter = 5000
	}
	time.AfterFunc(msDur(killAfter), func() {
		select {
		case <-done:
			return
		default:
		}
		p.logger.Warn("decoder did not exit, force killing", "reason", ReasonForceKill)
		p.metrics.IncrementDetectorCounter("pipeline:"+p.opts.Channel, string(ReasonForceKill), 1)
		_ = proc.Kill()
	})
}

// Stop tears the pipeline down and blocks until the subprocess is reaped
// or the force-kill grace expires.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.status == StatusIdle {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.generation++
	stopTimer(&p.startTimer)
	stopTimer(&p.watchdogTimer)
	stopTimer(&p.idleTimer)
	stopTimer(&p.restartTimer)
	proc := p.proc
	done := p.done
	p.proc = nil
	killAfter := p.opts.ForceKillTimeoutMs
	if killAfter <= 0 {
		killAfter = 5000
	}
	p.mu.Unlock()

	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
		select {
		case <-done:
		case <-time.After(msDur(killAfter)):
			_ = proc.Kill()
			select {
			case <-done:
			case <-time.After(reapGraceTimeout):
				p.logger.Error("decoder unresponsive after kill")
			}
		}
	}

	p.mu.Lock()
	p.stopping = false
	p.status = StatusIdle
	p.mu.Unlock()
	p.logger.Info("pipeline stopped")
}

// ResetCircuitBreaker clears the consecutive-failure count on a broken
// pipeline and optionally restarts it immediately.
func (p *Pipeline) ResetCircuitBreaker(restart bool) {
	p.mu.Lock()
	if p.status != StatusBroken {
		p.mu.Unlock()
		return
	}
	p.restartCount = 0
	p.lastFailure = ""
	p.metrics.SetPipelineChannelHealth(p.opts.Kind, p.opts.Channel, nil)
	p.logger.Info("circuit breaker reset", "restart", restart)
	var fire []func()
	if restart {
		fire = p.spawnLocked()
	} else {
		p.setStatusLocked(StatusIdle)
	}
	p.mu.Unlock()
	p.runHooks(fire)
}

// ResetTransportFallback returns the pipeline to its base transport.
func (p *Pipeline) ResetTransportFallback(opts ResetTransportOptions) {
	p.mu.Lock()
	from, to := p.transport.reset(opts.Reason)
	changed := from != to
	if changed && opts.Record {
		p.metrics.RecordTransportFallback(p.opts.Kind, opts.Reason, observability.TransportFallbackDetail{
			Channel:              p.opts.Channel,
			From:                 from,
			To:                   to,
			ResetsBackoff:        true,
			ResetsCircuitBreaker: opts.ResetsCircuitBreaker,
		})
	}
	var fire []func()
	if opts.ResetsCircuitBreaker {
		p.restartCount = 0
		if p.status == StatusBroken {
			p.metrics.SetPipelineChannelHealth(p.opts.Kind, p.opts.Channel, nil)
			p.setStatusLocked(StatusIdle)
		}
	}
	if changed {
		p.logger.Info("rtsp transport reset", "from", from, "to", to, "reason", opts.Reason)
		if hook := p.hooks.OnTransportChange; hook != nil {
			ev := TransportChangeEvent{
				Kind:    p.opts.Kind,
				Channel: p.opts.Channel,
				From:    from,
				To:      to,
				Reason:  opts.Reason,
				Reset:   true,
			}
			fire = append(fire, func() { hook(ev) })
		}
	}
	p.mu.Unlock()
	p.runHooks(fire)
}

// UpdateOptions applies live-tunable settings. Timer budgets take effect
// the next time each timer is armed; the transport sequence swap preserves
// the current transport when it survives in the new sequence.
func (p *Pipeline) UpdateOptions(update UpdateOptions) {
	p.mu.Lock()
	if update.StartTimeoutMs != nil {
		p.opts.StartTimeoutMs = *update.StartTimeoutMs
	}
	if update.WatchdogTimeoutMs != nil {
		p.opts.WatchdogTimeoutMs = *update.WatchdogTimeoutMs
	}
	if update.IdleTimeoutMs != nil {
		p.opts.IdleTimeoutMs = *update.IdleTimeoutMs
	}
	if update.RestartDelayMs != nil {
		p.opts.RestartDelayMs = *update.RestartDelayMs
	}
	if update.RestartMaxDelayMs != nil {
		p.opts.RestartMaxDelayMs = *update.RestartMaxDelayMs
	}
	if update.RestartJitterFactor != nil {
		p.opts.RestartJitterFactor = *update.RestartJitterFactor
	}
	if update.RTSPTransportSequence != nil {
		p.opts.RTSPTransportSequence = slices.Clone(update.RTSPTransportSequence)
		p.transport.updateSequence(update.RTSPTransportSequence)
	}
	p.mu.Unlock()
}

// State returns a point-in-time snapshot of the supervision state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Kind:              p.opts.Kind,
		Channel:           p.opts.Channel,
		Status:            p.status,
		RestartCount:      p.restartCount,
		SpawnCount:        p.spawnCount,
		LastFailureReason: p.lastFailure,
		Transport:         p.transport.current,
		TransportBase:     p.transport.base,
		TransportReason:   p.transport.lastReason,
		StderrTail:        slices.Clone(p.stderrTail),
	}
}

// Options returns a copy of the pipeline's current options.
func (p *Pipeline) Options() Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	opts := p.opts
	opts.InputArgs = slices.Clone(p.opts.InputArgs)
	opts.RTSPTransportSequence = slices.Clone(p.opts.RTSPTransportSequence)
	return opts
}

// armTimerLocked (re)schedules a supervision timer; a budget of zero or
// below disables it.
func (p *Pipeline) armTimerLocked(timer **time.Timer, budgetMs int64, gen int64, fn func(int64)) {
	if budgetMs <= 0 {
		stopTimer(timer)
		return
	}
	if *timer != nil {
		(*timer).Reset(msDur(budgetMs))
		return
	}
	*timer = time.AfterFunc(msDur(budgetMs), func() {
		p.mu.Lock()
		if gen != p.generation {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		fn(gen)
	})
}

func (p *Pipeline) runHooks(fire []func()) {
	for _, fn := range fire {
		fn()
	}
}

func stopTimer(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func msDur(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// newLineScanner wraps stderr with a scanner sized for ffmpeg's long
// progress lines.
func newLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), stderrLineLimit)
	return scanner
}
