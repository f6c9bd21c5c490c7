// Package app wires a chat peer together: stored config, the console,
// chat history and the p2p service, driven by an interactive prompt.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/ankouros/pchannel/internal/bot"
	"github.com/ankouros/pchannel/internal/config"
	"github.com/ankouros/pchannel/internal/media"
	"github.com/ankouros/pchannel/internal/p2p"
	"github.com/ankouros/pchannel/internal/storage"
	"github.com/ankouros/pchannel/internal/ui"
)

const videoFrameSize = 16 << 10

type Options struct {
	// Config carries the command-line values. A zero Port means the port
	// stored for Config.Name is used.
	Config    config.Config
	NoCentral bool

	In         io.Reader
	Out        io.Writer
	Timestamps bool
}

func Run(ctx context.Context, opts Options) error {
	if opts.Config.Name == "" {
		return errors.New("a peer name is required")
	}
	if opts.Config.DataDir == "" {
		opts.Config.DataDir = config.DefaultDataDir
	}

	dir, err := storage.EnsurePrivateDir(opts.Config.DataDir, opts.Config.Name)
	if err != nil {
		return err
	}
	if opts.Config.Port == 0 {
		if _, err := config.Load(dir); err != nil {
			return fmt.Errorf("no port given for %s: %w", opts.Config.Name, err)
		}
	}
	cfg, cfgPath, err := config.EnsureConfig(dir, opts.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Port == 0 {
		return fmt.Errorf("no port given and none stored in %s", cfgPath)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}
	log.Printf("app: using %s", cfgPath)

	console := ui.NewConsole(opts.Out, 512)
	if opts.Timestamps {
		console.WithTimestamps()
	}
	defer console.Close()

	hist := storage.OpenHistory(dir, cfg.Name, cfg.Port)
	replayHistory(hist, console)

	central := cfg.CentralAddr()
	if opts.NoCentral {
		central = ""
	}
	sink := &media.Counter{}
	svc, err := p2p.NewService(p2p.Options{
		Identity:  cfg.Identity(),
		Host:      cfg.Host,
		DataDir:   cfg.DataDir,
		Central:   central,
		Timing:    cfg.Timing,
		Presenter: console,
		History:   hist,
		Source:    media.NewPattern(videoFrameSize),
		Sink:      sink,
		Bot:       bot.New(bot.ConfigFromEnv()),
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	console.Post(fmt.Sprintf("Welcome %s, listening on port %d. Type help for commands.", cfg.Name, cfg.Port), p2p.TagNotice)

	r := &repl{svc: svc, out: console, sink: sink}
	return r.run(ctx, opts.In)
}

func replayHistory(h *storage.History, out p2p.Presenter) {
	lines, err := h.Lines()
	if err != nil {
		log.Printf("app: history: %v", err)
		return
	}
	for _, l := range lines {
		out.Post(l, p2p.TagChat)
	}
}
