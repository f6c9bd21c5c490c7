package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ankouros/pchannel/internal/bot"
	"github.com/ankouros/pchannel/internal/directory"
	"github.com/ankouros/pchannel/internal/model"
	"github.com/ankouros/pchannel/internal/netx"
	"github.com/ankouros/pchannel/internal/wire"
)

func TestConnectAnnouncesAndFetchesLastLine(t *testing.T) {
	bob := newPeer(t, "bob", nil)
	bob.history.lines = []string{"hello"}
	alice := newPeer(t, "alice", nil)

	if err := alice.Connect(context.Background(), bob.Identity().Port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if l := alice.rec.wait(t, "Connected to peer at port"); l.tag != TagConnect {
		t.Fatalf("connect tag=%q", l.tag)
	}
	bob.rec.wait(t, "<alice> wants to connect to your channel")
	alice.rec.wait(t, "<bob> : [Repeat] hello")

	if got := alice.Peers(); len(got) != 1 || got[0] != bob.Identity().Port {
		t.Fatalf("peers=%v", got)
	}
}

func TestFetchWithEmptyHistoryIsSilent(t *testing.T) {
	bob := newPeer(t, "bob", nil)
	alice := newPeer(t, "alice", nil)

	if err := alice.Connect(context.Background(), bob.Identity().Port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	bob.rec.wait(t, "wants to connect")
	time.Sleep(100 * time.Millisecond)
	if _, ok := alice.rec.find("[Repeat]"); ok {
		t.Fatalf("unexpected fetch reply:\n%s", alice.rec.dump())
	}
}

func TestReconnectReusesEntry(t *testing.T) {
	bob := newPeer(t, "bob", nil)
	alice := newPeer(t, "alice", nil)
	port := bob.Identity().Port

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := alice.Connect(context.Background(), port); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := alice.Connect(context.Background(), port); err != nil {
		t.Fatalf("connect again: %v", err)
	}
	if got := alice.Peers(); len(got) != 1 {
		t.Fatalf("peers=%v", got)
	}
}

func TestConnectFailureIsTransient(t *testing.T) {
	alice := newPeer(t, "alice", nil)
	port := freePort(t)

	err := alice.Connect(context.Background(), port)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err=%v", err)
	}
	want := fmt.Sprintf("Failed to connect to peer at port %d after %d attempts", port, testTiming().ConnectAttempts)
	alice.rec.wait(t, want)
	if len(alice.Peers()) != 0 {
		t.Fatalf("failed connect left an entry")
	}
}

func TestConnectToSelfRefused(t *testing.T) {
	alice := newPeer(t, "alice", nil)
	if err := alice.Connect(context.Background(), alice.Identity().Port); err == nil {
		t.Fatalf("expected error connecting to own port")
	}
}

func TestChatReachesEveryConnectedPeer(t *testing.T) {
	bob := newPeer(t, "bob", nil)
	carol := newPeer(t, "carol", nil)
	alice := newPeer(t, "alice", nil)

	for _, p := range []*testPeer{bob, carol} {
		if err := alice.Connect(context.Background(), p.Identity().Port); err != nil {
			t.Fatalf("connect %s: %v", p.Identity().Name, err)
		}
	}
	if err := alice.SendChat(context.Background(), "hi all"); err != nil {
		t.Fatalf("send: %v", err)
	}

	alice.rec.wait(t, "<alice> : hi all")
	for _, p := range []*testPeer{bob, carol} {
		if l := p.rec.wait(t, "<alice> : hi all"); l.tag != TagChat {
			t.Fatalf("%s tag=%q", p.Identity().Name, l.tag)
		}
		waitFor(t, "history", func() bool { return len(p.history.snapshot()) == 1 })
		if got := p.history.snapshot()[0]; got != "<alice> : hi all" {
			t.Fatalf("%s history=%q", p.Identity().Name, got)
		}
	}
	if got := alice.history.snapshot(); len(got) != 1 {
		t.Fatalf("sender history=%v", got)
	}
}

func TestShowFriendsListsOnlinePeers(t *testing.T) {
	alice := newPeer(t, "alice", nil)
	alice.dispatch(nil, &wire.Central{Name: "HCMUT", ListFriend: "bob:5001:online;carol:5002:offline;"})

	if err := alice.SendChat(context.Background(), "showfriends"); err != nil {
		t.Fatalf("send: %v", err)
	}
	alice.rec.wait(t, "From Server: Online user list:")
	alice.rec.wait(t, "\tbob : 5001")
	if _, ok := alice.rec.find("carol"); ok {
		t.Fatalf("offline peer listed:\n%s", alice.rec.dump())
	}
	if got := alice.history.snapshot(); len(got) != 0 {
		t.Fatalf("showfriends stored in history: %v", got)
	}
}

type fakeBot struct {
	reply string
	err   error
}

func (b fakeBot) Respond(context.Context, string) (string, error) {
	return b.reply, b.err
}

func TestBotAnswersTriggeredLines(t *testing.T) {
	cases := map[string]struct {
		bot  bot.Responder
		line string
		want string
	}{
		"reply":       {bot: fakeBot{reply: "pong"}, line: "@bot ping", want: "<Bot> : pong"},
		"prefix":      {bot: fakeBot{reply: "sure"}, line: "BOT: help", want: "<Bot> : sure"},
		"unavailable": {bot: bot.Unavailable{Reason: "test"}, line: "@Bot hi", want: "Bot unavailable"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			alice := newPeer(t, "alice", func(o *Options) { o.Bot = tc.bot })
			if err := alice.SendChat(context.Background(), tc.line); err != nil {
				t.Fatalf("send: %v", err)
			}
			alice.rec.wait(t, tc.want)
		})
	}
}

func TestUntriggeredLineSkipsBot(t *testing.T) {
	alice := newPeer(t, "alice", func(o *Options) { o.Bot = fakeBot{reply: "pong"} })
	if err := alice.SendChat(context.Background(), "robots are neat"); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := alice.rec.find("<Bot>"); ok {
		t.Fatalf("bot answered an untriggered line")
	}
}

func TestCorruptInputKeepsConnection(t *testing.T) {
	bob := newPeer(t, "bob", nil)

	conn, err := netx.Dial(context.Background(), "127.0.0.1", bob.Identity().Port, time.Second, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	chunks := []string{
		`garbage`,
		`{"type":"chat","name":"eve"}`,
		`{"type":"nope"}{"type":"chat","name":"eve",`,
		`"message":"still here"}`,
	}
	for _, c := range chunks {
		if _, err := conn.Write([]byte(c)); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	bob.rec.wait(t, "<eve> : still here")
}

func TestDirectoryPushUpdatesFriends(t *testing.T) {
	srv := directory.NewServer(directory.Options{DialTimeout: time.Second, ReadTimeout: time.Second})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	defer func() {
		cancel()
		<-done
	}()

	central := ln.Addr().String()
	alice := newPeer(t, "alice", func(o *Options) { o.Central = central })
	bob := newPeer(t, "bob", func(o *Options) { o.Central = central })
	waitFor(t, "registrations", func() bool { return len(model.OnlineOnly(srv.Records())) == 2 })

	// Pushes go out before a payload is applied, so one more connection
	// carries the complete list.
	probe := &directory.Client{Addr: central, DialTimeout: time.Second, Attempts: 1}
	if err := probe.Register(context.Background(), model.PeerIdentity{Name: "probe", Port: 1}); err != nil {
		t.Fatalf("register probe: %v", err)
	}
	for _, p := range []*testPeer{alice, bob} {
		waitFor(t, p.Identity().Name+" directory", func() bool {
			return len(model.OnlineOnly(p.Friends())) >= 2
		})
	}

	bob.Close()
	waitFor(t, "bob offline", func() bool {
		for _, r := range srv.Records() {
			if r.Name == "bob" {
				return r.Status == model.StatusOffline
			}
		}
		return false
	})
}
