// Package media captures local camera, screen and microphone samples,
// publishes them at a fixed cadence and renders/plays the samples of
// remote participants.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/collab-sync/model"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultFrameRate     = 8
	defaultCaptureWidth  = 1280
	defaultCaptureHeight = 960
	defaultRenderWidth   = 640
	defaultRenderHeight  = 480
	defaultJPEGQuality   = 10
	defaultSampleRate    = 44100
	defaultBlockSize     = 4096
)

var (
	ErrDevice     = errors.New("media device unavailable")
	ErrSharing    = errors.New("screen is already shared")
	ErrNotSharing = errors.New("screen is not shared")
)

type (
	// VideoSource yields the current picture of a camera or screen.
	VideoSource interface {
		Frame() (image.Image, error)
		io.Closer
	}

	// ScreenSource is a VideoSource that can be ended by the user outside
	// of the application. Ended is closed when that happens. Implementations
	// need not close it on Close.
	ScreenSource interface {
		VideoSource
		Ended() <-chan struct{}
	}

	// AudioSource blocks until buf is filled with mono samples.
	AudioSource interface {
		ReadBlock(ctx context.Context, buf []float32) (int, error)
		io.Closer
	}

	Devices interface {
		OpenCamera(ctx context.Context) (VideoSource, error)
		OpenMicrophone(ctx context.Context, sampleRate, channels int) (AudioSource, error)
		OpenScreen(ctx context.Context) (ScreenSource, error)
	}

	RenderTarget interface {
		Draw(img image.Image) error
		io.Closer
	}

	AudioOutput interface {
		Play(channels [][]float32, sampleRate int) error
		io.Closer
	}

	Sinks interface {
		NewRenderTarget(userID model.ID, width, height int) (RenderTarget, error)
		NewAudioOutput(userID model.ID, sampleRate, channels int) (AudioOutput, error)
	}

	Publisher interface {
		Publish(channel string, payload any) bool
	}

	Config struct {
		Logger    *zerolog.Logger
		Clock     clockwork.Clock
		Publisher Publisher
		Devices   Devices
		Sinks     Sinks

		FrameRate     int
		CaptureWidth  int
		CaptureHeight int
		RenderWidth   int
		RenderHeight  int
		JPEGQuality   int
		SampleRate    int
		BlockSize     int
	}

	Stats struct {
		FramesSent        uint64
		FramesDropped     uint64
		FramesStale       uint64
		FramesRendered    uint64
		AudioBlocksSent   uint64
		AudioBlocksPlayed uint64
	}

	Pipeline struct {
		logger  zerolog.Logger
		clock   clockwork.Clock
		pub     Publisher
		devices Devices
		sinks   Sinks
		cfg     Config

		mx           sync.Mutex
		conferenceID model.ID
		localUser    model.ID
		camera       VideoSource
		mic          AudioSource
		screen       ScreenSource
		videoEnabled bool
		audioEnabled bool
		sharing      bool
		videoBefore  bool
		video        *loop
		audio        *loop
		// screenQuit stops the watcher of the current screen source.
		screenQuit   chan struct{}
		screenWatch  sync.WaitGroup
		lastSent     atomic.Int64
		busy         atomic.Bool

		remoteMx  sync.Mutex
		// receiving gates lazy creation of remote sinks. It is set by Bind
		// and cleared by TeardownRemote.
		receiving bool
		feeds     map[model.ID]*videoFeed
		outputs   map[model.ID]*audioChannel

		framesSent        atomic.Uint64
		framesDropped     atomic.Uint64
		framesStale       atomic.Uint64
		framesRendered    atomic.Uint64
		audioBlocksSent   atomic.Uint64
		audioBlocksPlayed atomic.Uint64
	}

	loop struct {
		cancel context.CancelFunc
		done   chan struct{}
	}

	videoFeed struct {
		target             RenderTarget
		lastFrameTimestamp int64
	}

	audioChannel struct {
		out        AudioOutput
		sampleRate int
		channels   int
	}
)

func NewPipeline(cfg Config) *Pipeline {
	setDefault(&cfg.FrameRate, defaultFrameRate)
	setDefault(&cfg.CaptureWidth, defaultCaptureWidth)
	setDefault(&cfg.CaptureHeight, defaultCaptureHeight)
	setDefault(&cfg.RenderWidth, defaultRenderWidth)
	setDefault(&cfg.RenderHeight, defaultRenderHeight)
	setDefault(&cfg.JPEGQuality, defaultJPEGQuality)
	setDefault(&cfg.SampleRate, defaultSampleRate)
	setDefault(&cfg.BlockSize, defaultBlockSize)
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		logger:       cfg.Logger.With().Str("component", "media").Logger(),
		clock:        cfg.Clock,
		pub:          cfg.Publisher,
		devices:      cfg.Devices,
		sinks:        cfg.Sinks,
		cfg:          cfg,
		videoEnabled: true,
		audioEnabled: true,
		feeds:        make(map[model.ID]*videoFeed),
		outputs:      make(map[model.ID]*audioChannel),
	}
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Bind sets the conference the captured samples are published to and the
// local user whose own samples are ignored on receive.
func (p *Pipeline) Bind(conferenceID, localUser model.ID) {
	p.mx.Lock()
	p.conferenceID = conferenceID
	p.localUser = localUser
	p.mx.Unlock()

	p.remoteMx.Lock()
	p.receiving = true
	p.remoteMx.Unlock()
}

// AcquireLocal opens the camera and the microphone for the enabled media
// kinds. On failure nothing stays open.
func (p *Pipeline) AcquireLocal(ctx context.Context) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	if p.videoEnabled && p.camera == nil {
		cam, err := p.devices.OpenCamera(ctx)
		if err != nil {
			return errors.Join(ErrDevice, err)
		}
		p.camera = cam
	}
	if p.audioEnabled && p.mic == nil {
		mic, err := p.devices.OpenMicrophone(ctx, p.cfg.SampleRate, 1)
		if err != nil {
			p.closeLocalLocked()
			return errors.Join(ErrDevice, err)
		}
		p.mic = mic
	}
	p.logger.Debug().
		Bool("camera", p.camera != nil).
		Bool("microphone", p.mic != nil).
		Msg("local media acquired")
	return nil
}

// StartCapture starts the capture loops of every enabled source.
func (p *Pipeline) StartCapture() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.startVideoLocked()
	p.startAudioLocked()
}

// StopCapture cancels every capture loop and waits for them to exit.
func (p *Pipeline) StopCapture() {
	p.mx.Lock()
	video, audio := p.video, p.audio
	p.video, p.audio = nil, nil
	p.mx.Unlock()

	video.stop()
	audio.stop()
}

// ReleaseLocal closes all local devices.
func (p *Pipeline) ReleaseLocal() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.closeLocalLocked()
}

func (p *Pipeline) closeLocalLocked() {
	for _, c := range []io.Closer{p.camera, p.mic, p.screen} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to close local device")
		}
	}
	p.camera, p.mic, p.screen = nil, nil, nil
	p.sharing = false
	p.stopScreenWatchLocked()
}

func (p *Pipeline) stopScreenWatchLocked() {
	if p.screenQuit != nil {
		close(p.screenQuit)
		p.screenQuit = nil
	}
}

// Reset restores the initial media state of a fresh conference attempt.
// Remote sinks still open are released.
func (p *Pipeline) Reset() {
	p.TeardownRemote()

	p.mx.Lock()
	defer p.mx.Unlock()
	p.conferenceID = ""
	p.videoEnabled = true
	p.audioEnabled = true
	p.sharing = false
	p.videoBefore = false
	p.lastSent.Store(0)
}

func (p *Pipeline) VideoEnabled() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.videoEnabled
}

func (p *Pipeline) AudioEnabled() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.audioEnabled
}

func (p *Pipeline) Sharing() bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.sharing
}

// SetVideoEnabled switches camera capture on or off. Enabling the camera
// while the screen is shared is refused and reported as false.
func (p *Pipeline) SetVideoEnabled(enabled bool) bool {
	p.mx.Lock()
	defer p.mx.Unlock()
	if enabled && p.sharing {
		return false
	}
	p.videoEnabled = enabled
	if p.sharing {
		return true
	}
	if enabled {
		p.startVideoLocked()
	} else {
		p.stopVideoLocked()
	}
	return true
}

func (p *Pipeline) SetAudioEnabled(enabled bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.audioEnabled = enabled
	if enabled {
		p.startAudioLocked()
	} else {
		p.stopAudioLocked()
	}
}

// StartScreenShare replaces camera capture with screen capture. onEnded is
// called when the screen source ends by itself.
func (p *Pipeline) StartScreenShare(ctx context.Context, onEnded func()) error {
	p.mx.Lock()
	if p.sharing {
		p.mx.Unlock()
		return ErrSharing
	}
	p.mx.Unlock()

	screen, err := p.devices.OpenScreen(ctx)
	if err != nil {
		return errors.Join(ErrDevice, err)
	}

	p.mx.Lock()
	defer p.mx.Unlock()
	if p.sharing {
		_ = screen.Close()
		return ErrSharing
	}
	p.screen = screen
	p.sharing = true
	p.videoBefore = p.videoEnabled
	p.videoEnabled = false
	p.stopVideoLocked()
	p.startVideoLocked()

	quit := make(chan struct{})
	p.screenQuit = quit
	p.screenWatch.Add(1)
	go func() {
		defer p.screenWatch.Done()
		select {
		case <-screen.Ended():
		case <-quit:
			return
		}
		p.mx.Lock()
		current := p.screen == screen && p.sharing
		p.mx.Unlock()
		if current && onEnded != nil {
			p.logger.Debug().Msg("screen source ended")
			onEnded()
		}
	}()
	return nil
}

// StopScreenShare stops screen capture and restores the camera state that
// was active before sharing started.
func (p *Pipeline) StopScreenShare() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	if !p.sharing {
		return ErrNotSharing
	}
	p.stopVideoLocked()
	if p.screen != nil {
		if err := p.screen.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("failed to close screen source")
		}
		p.screen = nil
	}
	p.stopScreenWatchLocked()
	p.sharing = false
	p.videoEnabled = p.videoBefore
	if p.videoEnabled {
		p.startVideoLocked()
	}
	return nil
}

func (p *Pipeline) activeSourceLocked() VideoSource {
	if p.sharing && p.screen != nil {
		return p.screen
	}
	if p.videoEnabled && p.camera != nil {
		return p.camera
	}
	return nil
}

func (p *Pipeline) startVideoLocked() {
	if p.video != nil || p.conferenceID.IsZero() {
		return
	}
	src := p.activeSourceLocked()
	if src == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.video = &loop{cancel: cancel, done: make(chan struct{})}
	go p.videoLoop(ctx, p.video.done, src, p.conferenceID, p.localUser)
}

func (p *Pipeline) stopVideoLocked() {
	if p.video == nil {
		return
	}
	// the loop never takes p.mx, so waiting here is safe
	p.video.stop()
	p.video = nil
}

func (p *Pipeline) startAudioLocked() {
	if p.audio != nil || p.conferenceID.IsZero() || !p.audioEnabled || p.mic == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.audio = &loop{cancel: cancel, done: make(chan struct{})}
	go p.audioLoop(ctx, p.audio.done, p.mic, p.conferenceID, p.localUser)
}

func (p *Pipeline) stopAudioLocked() {
	if p.audio == nil {
		return
	}
	p.audio.stop()
	p.audio = nil
}

func (l *loop) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

func (p *Pipeline) videoLoop(ctx context.Context, done chan struct{}, src VideoSource, conf, user model.ID) {
	var inflight sync.WaitGroup
	defer func() {
		inflight.Wait()
		close(done)
	}()

	ticker := p.clock.NewTicker(time.Second / time.Duration(p.cfg.FrameRate))
	defer ticker.Stop()

	channel := model.ConferenceDestination(conf, model.KindVideoFrame)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if !p.busy.CompareAndSwap(false, true) {
				p.framesDropped.Add(1)
				p.logger.Trace().Msg("previous frame still in flight, tick dropped")
				continue
			}
			inflight.Add(1)
			go func() {
				defer func() {
					p.busy.Store(false)
					inflight.Done()
				}()
				p.sendFrame(src, channel, user)
			}()
		}
	}
}

func (p *Pipeline) sendFrame(src VideoSource, channel string, user model.ID) {
	img, err := src.Frame()
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to sample video source")
		return
	}
	data, err := EncodeFrame(img, p.cfg.CaptureWidth, p.cfg.CaptureHeight, p.cfg.JPEGQuality)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode video frame")
		return
	}
	frame := model.VideoFrame{
		UserID:    user,
		FrameData: data,
		Timestamp: p.nextTimestamp(),
		Width:     p.cfg.CaptureWidth,
		Height:    p.cfg.CaptureHeight,
	}
	if p.pub.Publish(channel, frame) {
		p.framesSent.Add(1)
	}
}

// nextTimestamp returns the wall clock in ms, forced strictly increasing.
func (p *Pipeline) nextTimestamp() int64 {
	now := p.clock.Now().UnixMilli()
	for {
		last := p.lastSent.Load()
		ts := now
		if ts <= last {
			ts = last + 1
		}
		if p.lastSent.CompareAndSwap(last, ts) {
			return ts
		}
	}
}

func (p *Pipeline) audioLoop(ctx context.Context, done chan struct{}, src AudioSource, conf, user model.ID) {
	defer close(done)

	channel := model.ConferenceDestination(conf, model.KindAudioData)
	buf := make([]float32, p.cfg.BlockSize)
	for {
		n, err := src.ReadBlock(ctx, buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Warn().Err(err).Msg("audio capture stopped")
			return
		}
		if n == 0 {
			continue
		}
		block := model.AudioBlock{
			UserID:     user,
			AudioData:  EncodeAudio(buf[:n]),
			SampleRate: p.cfg.SampleRate,
			Channels:   1,
		}
		if p.pub.Publish(channel, block) {
			p.audioBlocksSent.Add(1)
		}
	}
}

func (p *Pipeline) local() model.ID {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.localUser
}

func (p *Pipeline) HandleVideoFrame(payload json.RawMessage) {
	var f model.VideoFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		p.logger.Warn().Err(err).Msg("malformed video frame")
		return
	}
	p.OnVideoFrame(f)
}

// OnVideoFrame renders a remote frame unless it is the local user's own or
// not newer than the last rendered frame of its sender.
func (p *Pipeline) OnVideoFrame(f model.VideoFrame) {
	if f.UserID == p.local() {
		return
	}

	p.remoteMx.Lock()
	defer p.remoteMx.Unlock()

	feed, ok := p.feeds[f.UserID]
	if !ok {
		if !p.receiving {
			p.logger.Trace().Str("user", f.UserID.String()).Msg("frame after teardown dropped")
			return
		}
		target, err := p.sinks.NewRenderTarget(f.UserID, p.cfg.RenderWidth, p.cfg.RenderHeight)
		if err != nil {
			p.logger.Error().Err(err).Str("user", f.UserID.String()).Msg("failed to create render target")
			return
		}
		feed = &videoFeed{target: target}
		p.feeds[f.UserID] = feed
	}
	if f.Timestamp <= feed.lastFrameTimestamp {
		p.framesStale.Add(1)
		p.logger.Trace().
			Str("user", f.UserID.String()).
			Int64("timestamp", f.Timestamp).
			Msg("stale frame dropped")
		return
	}

	img, err := DecodeFrame(f.FrameData, p.cfg.RenderWidth, p.cfg.RenderHeight)
	if err != nil {
		p.logger.Warn().Err(err).Str("user", f.UserID.String()).Msg("failed to decode frame")
		return
	}
	if err = feed.target.Draw(img); err != nil {
		p.logger.Warn().Err(err).Str("user", f.UserID.String()).Msg("failed to draw frame")
		return
	}
	feed.lastFrameTimestamp = f.Timestamp
	p.framesRendered.Add(1)
}

func (p *Pipeline) HandleAudioBlock(payload json.RawMessage) {
	var b model.AudioBlock
	if err := json.Unmarshal(payload, &b); err != nil {
		p.logger.Warn().Err(err).Msg("malformed audio block")
		return
	}
	p.OnAudioBlock(b)
}

// OnAudioBlock plays a remote block immediately. There is no jitter buffer.
func (p *Pipeline) OnAudioBlock(b model.AudioBlock) {
	if b.UserID == p.local() {
		return
	}
	if b.Channels <= 0 {
		b.Channels = 1
	}
	if b.SampleRate <= 0 {
		b.SampleRate = p.cfg.SampleRate
	}

	p.remoteMx.Lock()
	defer p.remoteMx.Unlock()

	ch, ok := p.outputs[b.UserID]
	if !ok {
		if !p.receiving {
			p.logger.Trace().Str("user", b.UserID.String()).Msg("audio after teardown dropped")
			return
		}
		out, err := p.sinks.NewAudioOutput(b.UserID, b.SampleRate, b.Channels)
		if err != nil {
			p.logger.Error().Err(err).Str("user", b.UserID.String()).Msg("failed to create audio output")
			return
		}
		ch = &audioChannel{out: out, sampleRate: b.SampleRate, channels: b.Channels}
		p.outputs[b.UserID] = ch
	}

	samples, err := DecodeAudio(b.AudioData, b.Channels)
	if err != nil {
		p.logger.Warn().Err(err).Str("user", b.UserID.String()).Msg("failed to decode audio")
		return
	}
	if err = ch.out.Play(samples, b.SampleRate); err != nil {
		p.logger.Warn().Err(err).Str("user", b.UserID.String()).Msg("failed to play audio")
		return
	}
	p.audioBlocksPlayed.Add(1)
}

// Prune tears down remote resources of users absent from keep and of the
// local user. It returns the ids whose resources were removed.
func (p *Pipeline) Prune(keep map[model.ID]struct{}) []model.ID {
	local := p.local()

	p.remoteMx.Lock()
	defer p.remoteMx.Unlock()

	removed := make(map[model.ID]struct{})
	for id, feed := range p.feeds {
		if _, ok := keep[id]; ok && id != local {
			continue
		}
		p.closeTarget(id, feed.target)
		delete(p.feeds, id)
		removed[id] = struct{}{}
	}
	for id, ch := range p.outputs {
		if _, ok := keep[id]; ok && id != local {
			continue
		}
		p.closeOutput(id, ch.out)
		delete(p.outputs, id)
		removed[id] = struct{}{}
	}
	return sortedIDs(removed)
}

// TeardownRemote releases every remote render target and audio output.
// Remote samples arriving afterwards are dropped until the next Bind.
func (p *Pipeline) TeardownRemote() {
	p.remoteMx.Lock()
	defer p.remoteMx.Unlock()
	p.receiving = false
	for id, feed := range p.feeds {
		p.closeTarget(id, feed.target)
	}
	for id, ch := range p.outputs {
		p.closeOutput(id, ch.out)
	}
	p.feeds = make(map[model.ID]*videoFeed)
	p.outputs = make(map[model.ID]*audioChannel)
}

func (p *Pipeline) closeTarget(id model.ID, t RenderTarget) {
	if err := t.Close(); err != nil {
		p.logger.Warn().Err(err).Str("user", id.String()).Msg("failed to close render target")
	}
}

func (p *Pipeline) closeOutput(id model.ID, o AudioOutput) {
	if err := o.Close(); err != nil {
		p.logger.Warn().Err(err).Str("user", id.String()).Msg("failed to close audio output")
	}
}

// RemoteFeeds returns the users that currently have a render target.
func (p *Pipeline) RemoteFeeds() []model.ID {
	p.remoteMx.Lock()
	defer p.remoteMx.Unlock()
	ids := make(map[model.ID]struct{}, len(p.feeds))
	for id := range p.feeds {
		ids[id] = struct{}{}
	}
	return sortedIDs(ids)
}

// RemoteAudio returns the users that currently have an audio output.
func (p *Pipeline) RemoteAudio() []model.ID {
	p.remoteMx.Lock()
	defer p.remoteMx.Unlock()
	ids := make(map[model.ID]struct{}, len(p.outputs))
	for id := range p.outputs {
		ids[id] = struct{}{}
	}
	return sortedIDs(ids)
}

func (p *Pipeline) LastFrameTimestamp(id model.ID) (int64, bool) {
	p.remoteMx.Lock()
	defer p.remoteMx.Unlock()
	feed, ok := p.feeds[id]
	if !ok {
		return 0, false
	}
	return feed.lastFrameTimestamp, true
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesSent:        p.framesSent.Load(),
		FramesDropped:     p.framesDropped.Load(),
		FramesStale:       p.framesStale.Load(),
		FramesRendered:    p.framesRendered.Load(),
		AudioBlocksSent:   p.audioBlocksSent.Load(),
		AudioBlocksPlayed: p.audioBlocksPlayed.Load(),
	}
}

func sortedIDs(set map[model.ID]struct{}) []model.ID {
	out := make([]model.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
