package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ankouros/pchannel/internal/buildinfo"
	"github.com/ankouros/pchannel/internal/config"
	"github.com/ankouros/pchannel/internal/directory"
	"github.com/ankouros/pchannel/internal/netx"
)

var (
	showVersion = flag.Bool("version", false, "print version and exit")
	host        = flag.String("host", config.DefaultHost, "address to listen on")
	port        = flag.Int("port", directory.DefaultPort, "directory port")
	httpAddr    = flag.String("http", "", "address for the websocket watcher and health endpoints; empty disables")
	maxConns    = flag.Int("max-conns", directory.DefaultMaxConns, "concurrent connections handled at once")
	pushName    = flag.String("push-name", directory.DefaultName, "sender name on directory pushes")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(buildinfo.String("pchannel-central"))
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timing := config.DefaultTiming()
	srv := directory.NewServer(directory.Options{
		Name:        *pushName,
		DialTimeout: timing.DialTimeout,
		ReadTimeout: timing.ReadPoll,
		MaxConns:    *maxConns,
	})

	ln, err := netx.Listen(ctx, *host, *port)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	if *httpAddr != "" {
		hs := &http.Server{
			Addr:              *httpAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("directory: http on %s", *httpAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("directory: http: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), timing.DrainTimeout)
			defer cancel()
			_ = hs.Shutdown(shutdownCtx)
		}()
	}

	if err := srv.Serve(ctx, ln); err != nil {
		log.Printf("directory: %v", err)
	}
}
