// Command chatclient joins a chat room from the terminal and keeps the session
// alive across connection drops.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/omochice/chatroom-client/internal/client"
	"github.com/omochice/chatroom-client/internal/config"
	"github.com/omochice/chatroom-client/internal/logging"
	"github.com/omochice/chatroom-client/internal/metrics"
	"github.com/omochice/chatroom-client/internal/transport/ws"
	"github.com/omochice/chatroom-client/pkg/protocol"
)

const quitCommand = "/quit"

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	username := flag.String("username", "", "Identity to join the chat as")
	endpoint := flag.String("endpoint", "", "Chat service URL (e.g., wss://chat.example.com/ws)")
	codec := flag.String("codec", "", "Wire format: text or protobuf")
	flag.Parse()

	cfg, err := config.Load(*configPath, func(c *config.Config) {
		if *endpoint != "" {
			c.Server.Endpoint = *endpoint
		}
		if *codec != "" {
			c.Server.Codec = *codec
		}
		if *username != "" {
			c.Session.Identity = *username
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatclient: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	if err := run(cfg, os.Stdin, os.Stdout); err != nil {
		logging.Fatal().Err(err).Msg("chat client failed")
	}
}

// run expects cfg to be validated.
func run(cfg *config.Config, in io.Reader, out io.Writer) error {
	codec, err := protocol.NewCodec(cfg.Server.Codec)
	if err != nil {
		return err
	}

	lines := bufio.NewScanner(in)
	identity := strings.TrimSpace(cfg.Session.Identity)
	if identity == "" {
		fmt.Fprint(out, "Enter your name: ")
		if lines.Scan() {
			identity = strings.TrimSpace(lines.Text())
		}
	}
	if identity == "" {
		return client.ErrIdentityMissing
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg)

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	dialer := ws.Dialer{
		Timeout: cfg.Server.DialTimeout,
		Binary:  codec.Binary(),
	}
	m := client.New(dialer, client.Options{
		Endpoint:       cfg.Server.Endpoint,
		ReconnectDelay: cfg.Session.ReconnectDelay,
		DialTimeout:    cfg.Server.DialTimeout,
		SendBuffer:     cfg.Session.SendBuffer,
		Codec:          codec,
		Metrics:        met,
	})
	defer m.Close()

	r := newRenderer(out, cfg.Output.Format, cfg.Output.Color)
	m.Subscribe(r.Render)

	logging.Info().
		Str("endpoint", cfg.Server.Endpoint).
		Str("identity", identity).
		Str("codec", codec.Name()).
		Msg("starting chat client")
	m.Connect(identity)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	inputDone := make(chan error, 1)
	go func() {
		inputDone <- readInput(lines, m)
	}()

	select {
	case err := <-inputDone:
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	case sig := <-sigChan:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	}
	return nil
}

// readInput sends every non-empty line until EOF or the quit command.
func readInput(lines *bufio.Scanner, s client.Session) error {
	for lines.Scan() {
		text := strings.TrimSpace(lines.Text())
		if text == "" {
			continue
		}
		if text == quitCommand {
			return nil
		}
		if err := s.TrySend(text); err != nil {
			logging.Warn().Err(err).Msg("message not sent")
		}
	}
	return lines.Err()
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	logging.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
