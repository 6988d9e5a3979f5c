package media

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adwski/collab-sync/model"
	"github.com/disintegration/imaging"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channel string
	payload any
}

type fakePublisher struct {
	mx  sync.Mutex
	out []published
}

func (f *fakePublisher) Publish(channel string, payload any) bool {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.out = append(f.out, published{channel: channel, payload: payload})
	return true
}

func (f *fakePublisher) on(channel string) []any {
	f.mx.Lock()
	defer f.mx.Unlock()
	var res []any
	for _, p := range f.out {
		if p.channel == channel {
			res = append(res, p.payload)
		}
	}
	return res
}

type fakeCamera struct {
	calls  atomic.Int32
	gate   chan struct{}
	closed atomic.Bool
}

func (c *fakeCamera) Frame() (image.Image, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	return imaging.New(8, 6, color.NRGBA{G: 255, A: 255}), nil
}

func (c *fakeCamera) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeScreen struct {
	fakeCamera
	ended chan struct{}
}

func (s *fakeScreen) Ended() <-chan struct{} { return s.ended }

type fakeMic struct {
	block  []float32
	reads  atomic.Int32
	closed atomic.Bool
}

func (m *fakeMic) ReadBlock(ctx context.Context, buf []float32) (int, error) {
	if m.reads.Add(1) == 1 && m.block != nil {
		return copy(buf, m.block), nil
	}
	<-ctx.Done()
	return 0, ctx.Err()
}

func (m *fakeMic) Close() error {
	m.closed.Store(true)
	return nil
}

type fakeDevices struct {
	camera    *fakeCamera
	mic       *fakeMic
	screen    *fakeScreen
	micErr    error
	screenErr error
}

func (d *fakeDevices) OpenCamera(context.Context) (VideoSource, error) {
	return d.camera, nil
}

func (d *fakeDevices) OpenMicrophone(context.Context, int, int) (AudioSource, error) {
	if d.micErr != nil {
		return nil, d.micErr
	}
	return d.mic, nil
}

func (d *fakeDevices) OpenScreen(context.Context) (ScreenSource, error) {
	if d.screenErr != nil {
		return nil, d.screenErr
	}
	return d.screen, nil
}

type fakeTarget struct {
	drawn  int
	closed bool
}

func (t *fakeTarget) Draw(image.Image) error {
	t.drawn++
	return nil
}

func (t *fakeTarget) Close() error {
	t.closed = true
	return nil
}

type fakeOutput struct {
	played [][][]float32
	closed bool
}

func (o *fakeOutput) Play(ch [][]float32, _ int) error {
	o.played = append(o.played, ch)
	return nil
}

func (o *fakeOutput) Close() error {
	o.closed = true
	return nil
}

type fakeSinks struct {
	targets map[model.ID]*fakeTarget
	outputs map[model.ID]*fakeOutput
}

func newFakeSinks() *fakeSinks {
	return &fakeSinks{
		targets: make(map[model.ID]*fakeTarget),
		outputs: make(map[model.ID]*fakeOutput),
	}
}

func (s *fakeSinks) NewRenderTarget(id model.ID, _, _ int) (RenderTarget, error) {
	t := &fakeTarget{}
	s.targets[id] = t
	return t, nil
}

func (s *fakeSinks) NewAudioOutput(id model.ID, _, _ int) (AudioOutput, error) {
	o := &fakeOutput{}
	s.outputs[id] = o
	return o, nil
}

type fakeClock interface {
	clockwork.Clock
	BlockUntil(n int)
	Advance(d time.Duration)
}

type testEnv struct {
	clock   fakeClock
	pub     *fakePublisher
	devices *fakeDevices
	sinks   *fakeSinks
	p       *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	env := &testEnv{
		clock: clockwork.NewFakeClock(),
		pub:   &fakePublisher{},
		devices: &fakeDevices{
			camera: &fakeCamera{},
			mic:    &fakeMic{},
			screen: &fakeScreen{ended: make(chan struct{})},
		},
		sinks: newFakeSinks(),
	}
	env.p = NewPipeline(Config{
		Logger:        &logger,
		Clock:         env.clock,
		Publisher:     env.pub,
		Devices:       env.devices,
		Sinks:         env.sinks,
		CaptureWidth:  16,
		CaptureHeight: 12,
		RenderWidth:   8,
		RenderHeight:  6,
		BlockSize:     4,
	})
	t.Cleanup(func() {
		env.p.StopCapture()
		env.p.ReleaseLocal()
	})
	return env
}

func testFrame(t *testing.T, user model.ID, ts int64) model.VideoFrame {
	t.Helper()
	data, err := EncodeFrame(imaging.New(8, 6, color.NRGBA{B: 255, A: 255}), 8, 6, 50)
	require.NoError(t, err)
	return model.VideoFrame{UserID: user, FrameData: data, Timestamp: ts, Width: 8, Height: 6}
}

func TestStaleFrameRejection(t *testing.T) {
	env := newTestEnv(t)
	env.p.Bind("c1", "1")

	env.p.OnVideoFrame(testFrame(t, "2", 200))
	env.p.OnVideoFrame(testFrame(t, "2", 100))
	env.p.OnVideoFrame(testFrame(t, "2", 200))

	last, ok := env.p.LastFrameTimestamp("2")
	require.True(t, ok)
	assert.Equal(t, int64(200), last)
	assert.Equal(t, 1, env.sinks.targets["2"].drawn)

	stats := env.p.Stats()
	assert.Equal(t, uint64(1), stats.FramesRendered)
	assert.Equal(t, uint64(2), stats.FramesStale)
}

func TestOwnFramesIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.p.Bind("c1", "1")

	env.p.OnVideoFrame(testFrame(t, "1", 100))
	env.p.OnAudioBlock(model.AudioBlock{UserID: "1", AudioData: EncodeAudio([]float32{0.1})})

	assert.Empty(t, env.p.RemoteFeeds())
	assert.Empty(t, env.p.RemoteAudio())
}

func TestHandleVideoFrameDecodesPayload(t *testing.T) {
	env := newTestEnv(t)
	env.p.Bind("c1", "1")

	payload, err := json.Marshal(testFrame(t, "2", 10))
	require.NoError(t, err)
	env.p.HandleVideoFrame(payload)
	env.p.HandleVideoFrame(json.RawMessage(`{"userId":`))

	assert.Equal(t, []model.ID{"2"}, env.p.RemoteFeeds())
	assert.Equal(t, uint64(1), env.p.Stats().FramesRendered)
}

func TestAudioPlayedPerSender(t *testing.T) {
	env := newTestEnv(t)
	env.p.Bind("c1", "1")

	env.p.HandleAudioBlock(json.RawMessage(
		`{"userId":2,"audioData":"` + EncodeAudio([]float32{0.5, -0.5}) + `","sampleRate":8000,"channels":2}`))
	env.p.OnAudioBlock(model.AudioBlock{UserID: "3", AudioData: EncodeAudio([]float32{0.5})})

	assert.Equal(t, []model.ID{"2", "3"}, env.p.RemoteAudio())
	out := env.sinks.outputs["2"]
	require.Len(t, out.played, 1)
	assert.Len(t, out.played[0], 2)
	assert.Equal(t, uint64(2), env.p.Stats().AudioBlocksPlayed)
}

func TestPruneRemovesAbsentUsersAndSelf(t *testing.T) {
	env := newTestEnv(t)
	// before the local user is known its id is an ordinary remote
	env.p.Bind("c1", "")
	env.p.OnVideoFrame(testFrame(t, "1", 1))
	env.p.Bind("c1", "1")

	env.p.OnVideoFrame(testFrame(t, "2", 1))
	env.p.OnVideoFrame(testFrame(t, "3", 1))
	env.p.OnAudioBlock(model.AudioBlock{UserID: "3", AudioData: EncodeAudio([]float32{0.1})})

	removed := env.p.Prune(map[model.ID]struct{}{"1": {}, "2": {}})
	assert.Equal(t, []model.ID{"1", "3"}, removed)
	assert.Equal(t, []model.ID{"2"}, env.p.RemoteFeeds())
	assert.Empty(t, env.p.RemoteAudio())
	assert.True(t, env.sinks.targets["3"].closed)
	assert.True(t, env.sinks.outputs["3"].closed)
	assert.False(t, env.sinks.targets["2"].closed)

	assert.Empty(t, env.p.Prune(map[model.ID]struct{}{"2": {}}))

	// a late frame recreates the feed lazily
	env.p.OnVideoFrame(testFrame(t, "3", 2))
	assert.Equal(t, []model.ID{"2", "3"}, env.p.RemoteFeeds())

	env.p.TeardownRemote()
	env.p.TeardownRemote()
	assert.Empty(t, env.p.RemoteFeeds())
}

func TestCaptureCadenceAndAudio(t *testing.T) {
	env := newTestEnv(t)
	env.devices.mic.block = []float32{0.5, 0.5, -0.5, -0.5}
	env.p.Bind("c1", "1")
	require.NoError(t, env.p.AcquireLocal(context.Background()))
	env.p.StartCapture()

	audio := "/app/conference/c1/audio-data"
	require.Eventually(t, func() bool { return len(env.pub.on(audio)) == 1 },
		time.Second, 5*time.Millisecond)
	block := env.pub.on(audio)[0].(model.AudioBlock)
	assert.Equal(t, model.ID("1"), block.UserID)
	assert.Equal(t, 44100, block.SampleRate)
	assert.Equal(t, 1, block.Channels)
	assert.Equal(t, EncodeAudio(env.devices.mic.block), block.AudioData)

	video := "/app/conference/c1/video-frame"
	for i := 1; i <= 2; i++ {
		env.clock.BlockUntil(1)
		env.clock.Advance(125 * time.Millisecond)
		n := i
		require.Eventually(t, func() bool { return len(env.pub.on(video)) == n },
			time.Second, 5*time.Millisecond)
	}

	frames := env.pub.on(video)
	first, second := frames[0].(model.VideoFrame), frames[1].(model.VideoFrame)
	assert.Equal(t, 16, first.Width)
	assert.Equal(t, 12, first.Height)
	assert.Greater(t, second.Timestamp, first.Timestamp)

	env.p.StopCapture()
	env.p.StopCapture()
	assert.Equal(t, uint64(2), env.p.Stats().FramesSent)
}

func TestBusyTickIsDropped(t *testing.T) {
	env := newTestEnv(t)
	env.devices.camera.gate = make(chan struct{})
	env.p.Bind("c1", "1")
	require.NoError(t, env.p.AcquireLocal(context.Background()))
	env.p.StartCapture()

	env.clock.BlockUntil(1)
	env.clock.Advance(125 * time.Millisecond)
	require.Eventually(t, func() bool { return env.devices.camera.calls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	env.clock.BlockUntil(1)
	env.clock.Advance(125 * time.Millisecond)
	require.Eventually(t, func() bool { return env.p.Stats().FramesDropped == 1 },
		time.Second, 5*time.Millisecond)

	close(env.devices.camera.gate)
	require.Eventually(t, func() bool { return env.p.Stats().FramesSent == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), env.devices.camera.calls.Load())
}

func TestScreenShareRestoresVideo(t *testing.T) {
	env := newTestEnv(t)
	env.p.Bind("c1", "1")
	require.NoError(t, env.p.AcquireLocal(context.Background()))

	ended := make(chan struct{})
	require.NoError(t, env.p.StartScreenShare(context.Background(), func() { close(ended) }))
	assert.True(t, env.p.Sharing())
	assert.False(t, env.p.VideoEnabled())
	assert.ErrorIs(t, env.p.StartScreenShare(context.Background(), nil), ErrSharing)

	assert.False(t, env.p.SetVideoEnabled(true))
	assert.False(t, env.p.VideoEnabled())

	close(env.devices.screen.ended)
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("screen end was not reported")
	}

	require.NoError(t, env.p.StopScreenShare())
	assert.False(t, env.p.Sharing())
	assert.True(t, env.p.VideoEnabled())
	assert.True(t, env.devices.screen.closed.Load())
	assert.ErrorIs(t, env.p.StopScreenShare(), ErrNotSharing)
}

func TestScreenShareKeepsDisabledVideoOff(t *testing.T) {
	env := newTestEnv(t)
	env.p.Bind("c1", "1")
	require.NoError(t, env.p.AcquireLocal(context.Background()))

	require.True(t, env.p.SetVideoEnabled(false))
	require.NoError(t, env.p.StartScreenShare(context.Background(), nil))
	require.NoError(t, env.p.StopScreenShare())
	assert.False(t, env.p.VideoEnabled())
}

func TestScreenShareDenied(t *testing.T) {
	env := newTestEnv(t)
	env.devices.screenErr = errors.New("denied")
	env.p.Bind("c1", "1")

	err := env.p.StartScreenShare(context.Background(), nil)
	assert.ErrorIs(t, err, ErrDevice)
	assert.False(t, env.p.Sharing())
	assert.True(t, env.p.VideoEnabled())
}

func TestAcquireLocalFailureReleasesDevices(t *testing.T) {
	env := newTestEnv(t)
	env.devices.micErr = errors.New("no microphone")
	env.p.Bind("c1", "1")

	err := env.p.AcquireLocal(context.Background())
	require.ErrorIs(t, err, ErrDevice)
	assert.True(t, env.devices.camera.closed.Load())
}

func TestResetRestoresDefaults(t *testing.T) {
	env := newTestEnv(t)
	env.p.Bind("c1", "1")
	env.p.SetAudioEnabled(false)
	env.p.SetVideoEnabled(false)

	env.p.Reset()
	assert.True(t, env.p.VideoEnabled())
	assert.True(t, env.p.AudioEnabled())
	assert.False(t, env.p.Sharing())
}

func TestRemoteSamplesDroppedAfterTeardown(t *testing.T) {
	env := newTestEnv(t)
	env.p.Bind("c1", "1")
	env.p.TeardownRemote()

	env.p.OnVideoFrame(testFrame(t, "2", 10))
	env.p.OnAudioBlock(model.AudioBlock{UserID: "2", AudioData: EncodeAudio([]float32{0.1})})
	assert.Empty(t, env.p.RemoteFeeds())
	assert.Empty(t, env.p.RemoteAudio())
	assert.Empty(t, env.sinks.targets)
	assert.Empty(t, env.sinks.outputs)

	env.p.Bind("c2", "1")
	env.p.OnVideoFrame(testFrame(t, "2", 10))
	assert.Equal(t, []model.ID{"2"}, env.p.RemoteFeeds())
}

func TestResetReleasesRemoteSinks(t *testing.T) {
	env := newTestEnv(t)
	env.p.Bind("c1", "1")
	env.p.OnVideoFrame(testFrame(t, "2", 10))
	env.p.OnAudioBlock(model.AudioBlock{UserID: "3", AudioData: EncodeAudio([]float32{0.1})})

	env.p.Reset()
	assert.Empty(t, env.p.RemoteFeeds())
	assert.Empty(t, env.p.RemoteAudio())
	assert.True(t, env.sinks.targets["2"].closed)
	assert.True(t, env.sinks.outputs["3"].closed)
}

func TestScreenWatcherStopsWithSharing(t *testing.T) {
	waitWatchers := func(p *Pipeline) {
		t.Helper()
		done := make(chan struct{})
		go func() {
			p.screenWatch.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("screen watcher still running")
		}
	}

	env := newTestEnv(t)
	env.p.Bind("c1", "1")
	require.NoError(t, env.p.AcquireLocal(context.Background()))

	// the fake screen never closes Ended on Close
	require.NoError(t, env.p.StartScreenShare(context.Background(), func() { t.Error("unexpected end") }))
	require.NoError(t, env.p.StopScreenShare())
	waitWatchers(env.p)

	require.NoError(t, env.p.StartScreenShare(context.Background(), func() { t.Error("unexpected end") }))
	env.p.ReleaseLocal()
	waitWatchers(env.p)
}
