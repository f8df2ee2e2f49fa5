package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/voicebridge/voicebridge/internal/cli"
	"github.com/voicebridge/voicebridge/internal/functions"
	"github.com/voicebridge/voicebridge/internal/functions/docker"
	"github.com/voicebridge/voicebridge/internal/relay"
	"github.com/voicebridge/voicebridge/internal/tlsutils"
	"github.com/voicebridge/voicebridge/pkg/config"
)

func main() {
	cli.LoadDotEnv()

	configFile := "/etc/voicebridge/config.yaml"
	cfg, err := config.FromFile(configFile)
	configFlag := &config.Flag{File: configFile, Config: &cfg}

	listenAddr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		listenAddr = ":" + port
	}

	webDir := ""
	tlsEnabled := false
	tlsCert := ""
	tlsKey := ""

	flag.Var(configFlag, "config", "Path to the configuration file")
	flag.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key for the live model endpoint")
	flag.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "URL of the live model WebSocket endpoint")
	flag.StringVar(&cfg.Model, "model", cfg.Model, "name of the live model to talk to")
	flag.StringVar(&cfg.SystemPrompt, "system-prompt", cfg.SystemPrompt, "persona instruction for the model")
	flag.StringVar(&cfg.Voice, "voice", cfg.Voice, "name of the prebuilt voice to synthesize speech with")
	flag.StringVar(&listenAddr, "listen", listenAddr, "Address the server should listen on")
	flag.StringVar(&webDir, "web-dir", webDir, "Path to the web client directory")
	flag.BoolVar(&tlsEnabled, "tls", tlsEnabled, "Serve securely via HTTPS/TLS")
	flag.StringVar(&tlsKey, "tls-key", tlsKey, "Path to the TLS key file")
	flag.StringVar(&tlsCert, "tls-cert", tlsCert, "Path to the TLS certificate file")
	cli.ParseFlagsWithEnvVars(flag.CommandLine, "VOICEBRIDGE_")

	if !configFlag.IsSet && err != nil && cfg.APIKey == "" {
		slog.Error(err.Error())
		os.Exit(1)
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = runServer(ctx, cfg, listenAddr, webDir, tlsEnabled, tlsCert, tlsKey)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg config.Configuration, listenAddr, webDir string, tlsEnabled bool, tlsCert, tlsKey string) error {
	var provider functions.FunctionProvider = functions.Noop()

	if len(cfg.Functions) > 0 {
		provider = functions.NewCallLoopPreventingProvider(&docker.Functions{
			FunctionDefinitions: cfg.Functions,
		})
	}

	srv := &http.Server{
		Addr:        listenAddr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     relay.New(cfg, provider).Router(webDir),
	}

	go func() {
		<-ctx.Done()
		slog.Info("terminating")
		srv.Shutdown(context.Background())
	}()

	var err error

	if tlsEnabled {
		if tlsCert == "" && tlsKey == "" {
			slog.Info("generating self-signed TLS certificate")

			var cleanup func()

			tlsCert, tlsKey, cleanup, err = tlsutils.GenerateSelfSignedTLSCertificate()
			if err != nil {
				return fmt.Errorf("generating tls certificate: %w", err)
			}

			defer cleanup()
		}

		slog.Info(fmt.Sprintf("listening on %s", srv.Addr))

		err = srv.ListenAndServeTLS(tlsCert, tlsKey)
	} else {
		slog.Info(fmt.Sprintf("listening on %s", srv.Addr))

		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}

	return err
}
