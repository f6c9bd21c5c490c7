package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ankouros/pchannel/internal/app"
	"github.com/ankouros/pchannel/internal/buildinfo"
	"github.com/ankouros/pchannel/internal/config"
)

var (
	showVersion = flag.Bool("version", false, "print version and exit")
	name        = flag.String("name", "", "peer name (required)")
	port        = flag.Int("port", 0, "control port; omit to reuse the port stored for -name")
	host        = flag.String("host", config.DefaultHost, "address to bind and dial peers on")
	centralHost = flag.String("central-host", config.DefaultHost, "directory server host")
	centralPort = flag.Int("central-port", config.DefaultCentralPort, "directory server port")
	noCentral   = flag.Bool("no-central", false, "do not register with a directory server")
	dataDir     = flag.String("data", config.DefaultDataDir, "base directory for per-peer data")
	logFile     = flag.String("logfile", "", "also append diagnostics to this file")
	timestamps  = flag.Bool("timestamps", false, "prefix console lines with the time")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(buildinfo.String("pchannel-peer"))
		os.Exit(0)
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "usage: peer -name <name> [-port <port>]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.DefaultConfig(*name, *port)
	cfg.Host = *host
	cfg.CentralHost = *centralHost
	cfg.CentralPort = *centralPort
	cfg.DataDir = *dataDir

	err := app.Run(ctx, app.Options{
		Config:     cfg,
		NoCentral:  *noCentral,
		In:         os.Stdin,
		Out:        os.Stdout,
		Timestamps: *timestamps,
	})
	if err != nil {
		log.Fatal(err)
	}
}
