package p2p

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ankouros/pchannel/internal/media"
)

func TestVideoStreamAndStop(t *testing.T) {
	videoPort := freePort(t)
	counter := &media.Counter{}
	bob := newPeer(t, "bob", func(o *Options) { o.Sink = counter })
	alice := newPeer(t, "alice", func(o *Options) {
		o.Source = media.NewPattern(512)
		o.Timing.VideoPortOffset = videoPort - o.Identity.Port
	})

	if err := alice.Connect(context.Background(), bob.Identity().Port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := alice.StartVideo(context.Background()); err != nil {
		t.Fatalf("start video: %v", err)
	}
	if st := alice.VideoStatus(); !st.Streaming || st.OutboundPort != videoPort {
		t.Fatalf("alice status=%+v", st)
	}

	bob.rec.wait(t, "<alice> started a video stream")
	waitFor(t, "frames", func() bool { return counter.Stats().Frames >= 3 })
	st := bob.VideoStatus()
	if st.Inbound != InboundReceiving || st.LastSender != "alice" || st.LastPort != videoPort {
		t.Fatalf("bob status=%+v", st)
	}
	if _, ok := media.PatternSeq(counter.Stats().Last); !ok {
		t.Fatalf("last frame is not a pattern frame")
	}

	alice.StopVideo()
	bob.rec.wait(t, "<alice> stopped the video stream")
	waitFor(t, "inbound idle", func() bool { return bob.VideoStatus().Inbound == InboundIdle })
	if s := counter.Stats(); s.Showing || s.Clears == 0 {
		t.Fatalf("sink not cleared: %+v", s)
	}

	time.Sleep(200 * time.Millisecond)
	if st := bob.VideoStatus(); st.Inbound != InboundIdle {
		t.Fatalf("inbound reconnected after stop: %+v", st)
	}
	if alice.VideoStatus().Streaming {
		t.Fatalf("alice still streaming")
	}
}

func TestStartVideoWithoutSource(t *testing.T) {
	alice := newPeer(t, "alice", nil)
	if err := alice.StartVideo(context.Background()); !errors.Is(err, ErrResource) {
		t.Fatalf("err=%v", err)
	}
}

func TestLateJoinerGetsAdvert(t *testing.T) {
	videoPort := freePort(t)
	counter := &media.Counter{}
	alice := newPeer(t, "alice", func(o *Options) {
		o.Source = media.NewPattern(64)
		o.Timing.VideoPortOffset = videoPort - o.Identity.Port
	})
	if err := alice.StartVideo(context.Background()); err != nil {
		t.Fatalf("start video: %v", err)
	}

	bob := newPeer(t, "bob", func(o *Options) { o.Sink = counter })
	if err := alice.Connect(context.Background(), bob.Identity().Port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "frames", func() bool { return counter.Stats().Frames > 0 })
}

// gateSink holds its first Show until release is closed.
type gateSink struct {
	media.Counter
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gateSink) Show(frame []byte) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Counter.Show(frame)
}

func TestStopWinsOverFrameInFlight(t *testing.T) {
	videoPort := freePort(t)
	gate := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	bob := newPeer(t, "bob", func(o *Options) { o.Sink = gate })
	alice := newPeer(t, "alice", func(o *Options) {
		o.Source = media.NewPattern(64)
		o.Timing.VideoPortOffset = videoPort - o.Identity.Port
	})
	var released sync.Once
	release := func() { released.Do(func() { close(gate.release) }) }
	t.Cleanup(release)

	if err := alice.Connect(context.Background(), bob.Identity().Port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := alice.StartVideo(context.Background()); err != nil {
		t.Fatalf("start video: %v", err)
	}
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame reached the sink")
	}

	alice.StopVideo()
	waitFor(t, "inbound idle", func() bool { return bob.VideoStatus().Inbound == InboundIdle })
	release()
	bob.rec.wait(t, "<alice> stopped the video stream")

	time.Sleep(100 * time.Millisecond)
	if s := gate.Stats(); s.Showing || s.Clears == 0 {
		t.Fatalf("frame shown after stop: %+v", s)
	}
}

func TestVideoReconnectsAfterRemoteClose(t *testing.T) {
	videoPort := freePort(t)
	counter := &media.Counter{}
	bob := newPeer(t, "bob", func(o *Options) { o.Sink = counter })
	alice := newPeer(t, "alice", func(o *Options) {
		o.Source = media.NewPattern(64)
		o.Timing.VideoPortOffset = videoPort - o.Identity.Port
	})
	viewer := func() net.Conn {
		alice.video.mu.Lock()
		defer alice.video.mu.Unlock()
		return alice.video.viewer
	}

	if err := alice.Connect(context.Background(), bob.Identity().Port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := alice.StartVideo(context.Background()); err != nil {
		t.Fatalf("start video: %v", err)
	}
	waitFor(t, "frames", func() bool { return counter.Stats().Frames >= 3 })

	old := viewer()
	if old == nil {
		t.Fatalf("alice has no viewer")
	}
	old.Close()

	waitFor(t, "new viewer", func() bool {
		c := viewer()
		return c != nil && c != old
	})
	before := counter.Stats().Frames
	waitFor(t, "frames after reconnect", func() bool { return counter.Stats().Frames >= before+3 })

	st := bob.VideoStatus()
	if st.Inbound != InboundReceiving || st.LastSender != "alice" || st.LastPort != videoPort {
		t.Fatalf("bob status=%+v", st)
	}
	if _, ok := bob.rec.find("Could not connect to video"); ok {
		t.Fatalf("reconnect reported a failure:\n%s", bob.rec.dump())
	}
}

func TestViewerThatDialsInGetsAdvert(t *testing.T) {
	videoPort := freePort(t)
	counter := &media.Counter{}
	alice := newPeer(t, "alice", func(o *Options) {
		o.Source = media.NewPattern(64)
		o.Timing.VideoPortOffset = videoPort - o.Identity.Port
	})
	if err := alice.StartVideo(context.Background()); err != nil {
		t.Fatalf("start video: %v", err)
	}

	bob := newPeer(t, "bob", func(o *Options) { o.Sink = counter })
	if err := bob.Connect(context.Background(), alice.Identity().Port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	bob.rec.wait(t, "<alice> started a video stream")
	waitFor(t, "frames", func() bool { return counter.Stats().Frames > 0 })

	alice.StopVideo()
	bob.rec.wait(t, "<alice> stopped the video stream")
	waitFor(t, "inbound idle", func() bool { return bob.VideoStatus().Inbound == InboundIdle })
}

func TestInboundStateString(t *testing.T) {
	cases := map[InboundState]string{
		InboundIdle:       "idle",
		InboundConnecting: "connecting",
		InboundReceiving:  "receiving",
	}
	for st, want := range cases {
		if got := st.String(); got != want {
			t.Fatalf("%d: got %q want %q", st, got, want)
		}
	}
}
