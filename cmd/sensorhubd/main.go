package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"

	"sensorhub/internal/config"
	"sensorhub/internal/events"
	"sensorhub/internal/gpio"
	"sensorhub/internal/hub"
	"sensorhub/internal/i2c"
	"sensorhub/internal/udp"
	"sensorhub/internal/web"
)

func main() {
	var configPath string
	var interactive, printEvents bool
	flag.StringVar(&configPath, "config", "/etc/sensorhubd.yaml", "Path to YAML config")
	flag.BoolVar(&interactive, "console", false, "Read admin commands from stdin")
	flag.BoolVar(&printEvents, "events", false, "Log every sensor event")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	var logs *web.LogBuffer
	if cfg.Web.Enable {
		logs = web.NewLogBuffer(cfg.Web.LogLines)
		log.SetOutput(io.MultiWriter(os.Stderr, logs))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	h, sink, err := openHub(cfg)
	if err != nil {
		log.Fatalf("hub init failed: %v", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Printf("sensorhubd: close: %v", err)
		}
	}()

	var fwd events.Sink
	if cfg.Forward.Enable {
		f, err := udp.NewForwarder(cfg.Forward.Dest)
		if err != nil {
			log.Fatalf("event forwarder init failed: %v", err)
		}
		h.Own(f)
		fwd = f
		log.Printf("sensorhubd: forwarding events to %s", cfg.Forward.Dest)
	}
	go pump(ctx, sink, fwd, printEvents)

	var srv *http.Server
	if cfg.Web.Enable {
		srv = &http.Server{Addr: cfg.Web.ListenAddr, Handler: web.Handler(h, logs), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("sensorhubd: web server: %v", err)
				cancel()
			}
		}()
		log.Printf("sensorhubd: web listening on %s", cfg.Web.ListenAddr)
	}

	log.Printf("sensorhubd starting driver=%s addr=0x%02X", cfg.I2C.Driver, cfg.I2C.Addr)
	if err := h.Start(ctx); err != nil {
		log.Fatalf("hub start failed: %v", err)
	}
	go func() {
		if err := applySensors(ctx, h, cfg.Sensors); err != nil {
			log.Printf("sensorhubd: initial sensors: %v", err)
		}
	}()

	if interactive {
		c := &console{hub: h, out: os.Stdout}
		go func() {
			if err := c.run(ctx, os.Stdin); err != nil {
				log.Printf("sensorhubd: console: %v", err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("sensorhubd stopping")
	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		done()
	}
}

// openHub opens the transport and lines named by cfg and builds the hub on
// them. The none driver runs on in-memory lines with bus access disabled.
func openHub(cfg config.Config) (*hub.Hub, *events.Chan, error) {
	edges := hub.NewEdges(64)
	sink := events.NewChan(1024)

	if cfg.I2C.Driver == "none" {
		mem := gpio.NewMem()
		set := mem.Set(edges.Push)
		h := hub.New(nopConn{}, set.Lines, edges, sink, cfg.HubConfig())
		h.Own(set)
		return h, sink, nil
	}

	conn, closer, err := i2c.OpenConn(cfg.I2CConn())
	if err != nil {
		return nil, nil, pkgerrors.Wrap(err, "open i2c")
	}
	set, err := gpio.Open(cfg.GPIOLines(), edges.Push)
	if err != nil {
		_ = closer.Close()
		return nil, nil, pkgerrors.Wrap(err, "open gpio")
	}
	h := hub.New(conn, set.Lines, edges, sink, cfg.HubConfig())
	h.Own(closer)
	h.Own(set)
	return h, sink, nil
}

// nopConn backs the none driver; the bus never reaches it in that mode.
type nopConn struct{}

func (nopConn) Tx(w, r []byte) error {
	clear(r)
	return nil
}

// pump drains the event channel, forwarding to fwd when set.
func pump(ctx context.Context, sink *events.Chan, fwd events.Sink, verbose bool) {
	var fails uint64
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sink.C():
			if !ok {
				return
			}
			if verbose {
				log.Printf("event: %s", e)
			}
			if fwd == nil {
				continue
			}
			if err := fwd.Send(e); err != nil {
				fails++
				if fails == 1 || fails%100 == 0 {
					log.Printf("sensorhubd: forward: %v (failures=%d)", err, fails)
				}
			}
		}
	}
}
