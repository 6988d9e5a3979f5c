// Package synthetic provides generated media devices and logging sinks, so a
// participant can run without camera, microphone or display.
package synthetic

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/collab-sync/media"
	"github.com/adwski/collab-sync/model"
	"github.com/disintegration/imaging"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	pictureWidth  = 320
	pictureHeight = 240
	markerSize    = 40
	toneFrequency = 440.0
	toneAmplitude = 0.25
)

var (
	ErrDenied = errors.New("permission denied")
	ErrClosed = errors.New("device closed")
)

type (
	Config struct {
		Logger *zerolog.Logger
		Clock  clockwork.Clock
		// BlockSize is the number of samples the microphone yields per read.
		BlockSize int

		DenyCamera     bool
		DenyMicrophone bool
		DenyScreen     bool
	}

	// Devices opens generated sources. Each Deny flag makes the matching
	// Open call fail the way a refused permission prompt would.
	Devices struct {
		logger    zerolog.Logger
		clock     clockwork.Clock
		blockSize int
		deny      [3]bool

		mx     sync.Mutex
		screen *Screen
	}

	Camera struct {
		n      atomic.Int64
		closed atomic.Bool
		tint   color.NRGBA
	}

	Screen struct {
		Camera
		ended chan struct{}
		once  sync.Once
	}

	Microphone struct {
		clock      clockwork.Clock
		sampleRate int
		phase      float64
		closed     chan struct{}
		once       sync.Once
	}
)

func NewDevices(cfg Config) *Devices {
	d := &Devices{
		logger:    cfg.Logger.With().Str("component", "synthetic-devices").Logger(),
		clock:     cfg.Clock,
		blockSize: cfg.BlockSize,
		deny:      [3]bool{cfg.DenyCamera, cfg.DenyMicrophone, cfg.DenyScreen},
	}
	if d.clock == nil {
		d.clock = clockwork.NewRealClock()
	}
	if d.blockSize <= 0 {
		d.blockSize = 4096
	}
	return d
}

func (d *Devices) OpenCamera(_ context.Context) (media.VideoSource, error) {
	if d.deny[0] {
		return nil, ErrDenied
	}
	d.logger.Debug().Msg("camera opened")
	return &Camera{tint: color.NRGBA{R: 40, G: 120, B: 200, A: 255}}, nil
}

func (d *Devices) OpenMicrophone(_ context.Context, sampleRate, _ int) (media.AudioSource, error) {
	if d.deny[1] {
		return nil, ErrDenied
	}
	d.logger.Debug().Int("sample_rate", sampleRate).Msg("microphone opened")
	return &Microphone{
		clock:      d.clock,
		sampleRate: sampleRate,
		closed:     make(chan struct{}),
	}, nil
}

func (d *Devices) OpenScreen(_ context.Context) (media.ScreenSource, error) {
	if d.deny[2] {
		return nil, ErrDenied
	}
	s := &Screen{
		Camera: Camera{tint: color.NRGBA{R: 230, G: 230, B: 230, A: 255}},
		ended:  make(chan struct{}),
	}
	d.mx.Lock()
	d.screen = s
	d.mx.Unlock()
	d.logger.Debug().Msg("screen capture opened")
	return s, nil
}

// EndScreen simulates the user stopping the share from outside the app.
func (d *Devices) EndScreen() {
	d.mx.Lock()
	s := d.screen
	d.mx.Unlock()
	if s != nil {
		s.end()
	}
}

// Frame draws a marker that moves one step per call over a tinted background.
func (c *Camera) Frame() (image.Image, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	n := int(c.n.Add(1))
	bg := imaging.New(pictureWidth, pictureHeight, c.tint)
	marker := imaging.New(markerSize, markerSize, color.NRGBA{R: 250, G: 200, B: 30, A: 255})
	x := (n * 8) % (pictureWidth - markerSize)
	y := (n * 5) % (pictureHeight - markerSize)
	return imaging.Overlay(bg, marker, image.Pt(x, y), 1), nil
}

func (c *Camera) Close() error {
	c.closed.Store(true)
	return nil
}

func (s *Screen) Ended() <-chan struct{} {
	return s.ended
}

func (s *Screen) Close() error {
	s.end()
	return s.Camera.Close()
}

func (s *Screen) end() {
	s.once.Do(func() { close(s.ended) })
}

// ReadBlock paces reads to real time and fills buf with a sine tone.
func (m *Microphone) ReadBlock(ctx context.Context, buf []float32) (int, error) {
	period := time.Duration(float64(len(buf)) / float64(m.sampleRate) * float64(time.Second))
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.closed:
		return 0, ErrClosed
	case <-m.clock.After(period):
	}
	step := 2 * math.Pi * toneFrequency / float64(m.sampleRate)
	for i := range buf {
		buf[i] = float32(toneAmplitude * math.Sin(m.phase))
		m.phase += step
	}
	m.phase = math.Mod(m.phase, 2*math.Pi)
	return len(buf), nil
}

func (m *Microphone) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

type (
	// Sinks renders and plays remote media into the log.
	Sinks struct {
		logger zerolog.Logger

		mx      sync.Mutex
		frames  map[model.ID]int
		blocks  map[model.ID]int
		targets map[model.ID]bool
	}

	renderTarget struct {
		sinks  *Sinks
		userID model.ID
	}

	audioOutput struct {
		sinks  *Sinks
		userID model.ID
	}
)

func NewSinks(logger *zerolog.Logger) *Sinks {
	return &Sinks{
		logger:  logger.With().Str("component", "synthetic-sinks").Logger(),
		frames:  make(map[model.ID]int),
		blocks:  make(map[model.ID]int),
		targets: make(map[model.ID]bool),
	}
}

func (s *Sinks) NewRenderTarget(userID model.ID, width, height int) (media.RenderTarget, error) {
	s.mx.Lock()
	s.targets[userID] = true
	s.mx.Unlock()
	s.logger.Info().
		Str("user", userID.String()).
		Int("width", width).
		Int("height", height).
		Msg("remote video opened")
	return &renderTarget{sinks: s, userID: userID}, nil
}

func (s *Sinks) NewAudioOutput(userID model.ID, sampleRate, channels int) (media.AudioOutput, error) {
	s.logger.Info().
		Str("user", userID.String()).
		Int("sample_rate", sampleRate).
		Int("channels", channels).
		Msg("remote audio opened")
	return &audioOutput{sinks: s, userID: userID}, nil
}

// Frames returns how many frames were drawn for userID.
func (s *Sinks) Frames(userID model.ID) int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.frames[userID]
}

// Blocks returns how many audio blocks were played for userID.
func (s *Sinks) Blocks(userID model.ID) int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.blocks[userID]
}

// Open reports whether userID currently has an open render target.
func (s *Sinks) Open(userID model.ID) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.targets[userID]
}

func (t *renderTarget) Draw(img image.Image) error {
	t.sinks.mx.Lock()
	t.sinks.frames[t.userID]++
	n := t.sinks.frames[t.userID]
	t.sinks.mx.Unlock()

	b := img.Bounds()
	t.sinks.logger.Trace().
		Str("user", t.userID.String()).
		Int("frame", n).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Msg("frame drawn")
	return nil
}

func (t *renderTarget) Close() error {
	t.sinks.mx.Lock()
	delete(t.sinks.targets, t.userID)
	t.sinks.mx.Unlock()
	t.sinks.logger.Info().Str("user", t.userID.String()).Msg("remote video closed")
	return nil
}

func (o *audioOutput) Play(channels [][]float32, sampleRate int) error {
	o.sinks.mx.Lock()
	o.sinks.blocks[o.userID]++
	o.sinks.mx.Unlock()

	var sum float64
	var n int
	for _, ch := range channels {
		for _, s := range ch {
			sum += float64(s) * float64(s)
		}
		n += len(ch)
	}
	var rms float64
	if n > 0 {
		rms = math.Sqrt(sum / float64(n))
	}
	o.sinks.logger.Trace().
		Str("user", o.userID.String()).
		Int("sample_rate", sampleRate).
		Float64("rms", rms).
		Msg("audio block played")
	return nil
}

func (o *audioOutput) Close() error {
	o.sinks.logger.Info().Str("user", o.userID.String()).Msg("remote audio closed")
	return nil
}
