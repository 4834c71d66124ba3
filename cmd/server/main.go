// Standalone signaling relay. Holds room membership and forwards negotiation
// messages between peers; it never sees document data.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"

	relay "github.com/sketchmesh/sketchmesh/pkg/signal"
)

func main() {
	var addr string
	var port int
	flag.StringVar(&addr, "addr", "", "Bind address (default: all interfaces)")
	flag.IntVar(&port, "port", 8080, "Listen port")
	flag.IntVar(&port, "p", 8080, "Listen port (shorthand)")
	flag.Parse()

	loggerFactory := logging.NewDefaultLoggerFactory()
	log := loggerFactory.NewLogger("main")

	server := relay.NewServer(loggerFactory)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", addr, port),
		Handler: server.Handler(),
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infof("signaling relay listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("relay stopped: %v", err)
			os.Exit(1)
		}
	}()

	<-done
	log.Infof("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
