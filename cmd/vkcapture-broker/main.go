// Command vkcapture-broker runs the capture broker standalone: it accepts
// connections from instrumented producers and logs client/texture activity.
// It is a development harness, not the embedding path a real OBS-style host
// uses (that host links internal/broker directly and drives Source.Tick
// from its own render loop); this binary is useful for exercising the
// socket protocol end to end without a GPU compositor attached.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vkcapture/internal/broker"
	"vkcapture/internal/diag"
)

var (
	flagSocket     = flag.String("socket", "", "rendezvous socket path (default /tmp/obs-vkcapture.sock)")
	flagShowCursor = flag.Bool("show-cursor", true, "enable the cursor overlay (this harness attaches none, so it has no visible effect)")
	flagDebug      = flag.Bool("debug", false, "enable verbose per-message tracing")
	flagTick       = flag.Duration("tick", 16*time.Millisecond, "source adapter tick interval")
)

func main() {
	flag.Parse()
	diag.Debug = *flagDebug

	srv := broker.New(broker.Config{
		ShowCursor: *flagShowCursor,
		SocketPath: *flagSocket,
	})
	src := broker.NewSource(srv, nil, nil, *flagShowCursor)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*flagTick)
	defer ticker.Stop()
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				src.Tick()
			}
		}
	}()

	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		close(stop)
		src.Close()
		srv.Teardown()
		os.Exit(0)
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
