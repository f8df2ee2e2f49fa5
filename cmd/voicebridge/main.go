package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/voicebridge/voicebridge/internal/audio"
	"github.com/voicebridge/voicebridge/internal/capture"
	"github.com/voicebridge/voicebridge/internal/cli"
	"github.com/voicebridge/voicebridge/internal/codec"
	"github.com/voicebridge/voicebridge/internal/coordinator"
	"github.com/voicebridge/voicebridge/internal/functions"
	"github.com/voicebridge/voicebridge/internal/functions/docker"
	"github.com/voicebridge/voicebridge/internal/model"
	"github.com/voicebridge/voicebridge/internal/playback"
	"github.com/voicebridge/voicebridge/internal/session"
	"github.com/voicebridge/voicebridge/internal/soundgen"
	"github.com/voicebridge/voicebridge/internal/vad"
	"github.com/voicebridge/voicebridge/pkg/config"
)

func main() {
	cli.LoadDotEnv()

	configFile := "/etc/voicebridge/config.yaml"
	cfg, err := config.FromFile(configFile)
	configFlag := &config.Flag{File: configFile, Config: &cfg}

	flag.Var(configFlag, "config", "Path to the configuration file")
	flag.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "API key for the live model endpoint")
	flag.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "URL of the live model WebSocket endpoint")
	flag.StringVar(&cfg.Model, "model", cfg.Model, "name of the live model to talk to")
	flag.StringVar(&cfg.SystemPrompt, "system-prompt", cfg.SystemPrompt, "persona instruction for the model")
	flag.StringVar(&cfg.Voice, "voice", cfg.Voice, "name of the prebuilt voice to synthesize speech with")
	flag.StringVar(&cfg.InputDevice, "input-device", cfg.InputDevice, "name or ID of the audio input device")
	flag.StringVar(&cfg.OutputDevice, "output-device", cfg.OutputDevice, "name or ID of the audio output device")
	flag.BoolVar(&cfg.VADEnabled, "vad", cfg.VADEnabled, "end the turn automatically after a stretch of silence")
	flag.StringVar(&cfg.VADModelPath, "vad-model", cfg.VADModelPath, "path to the VAD model")
	flag.StringVar(&cfg.DumpDir, "dump-dir", cfg.DumpDir, "directory to write per-turn wav recordings into")
	cli.ParseFlagsWithEnvVars(flag.CommandLine, "VOICEBRIDGE_")

	if !configFlag.IsSet && err != nil && cfg.APIKey == "" {
		slog.Error(err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Configuration) error {
	portaudio.Initialize()
	defer portaudio.Terminate()

	sink, err := playback.OpenDeviceSink(cfg.OutputDevice, codec.OutputSampleRate)
	if err != nil {
		return err
	}
	defer sink.Close()

	driver := &capture.Driver{
		Device:     cfg.InputDevice,
		SampleRate: codec.InputSampleRate,
		BlockSize:  codec.BlockSize,
	}

	recorder := &audio.TurnRecorder{
		Dir:        cfg.DumpDir,
		SampleRate: codec.InputSampleRate,
	}

	player := playback.NewScheduler(sink, sink, codec.OutputSampleRate)

	var c *coordinator.Coordinator
	var monitor *vad.Monitor

	if cfg.VADEnabled {
		// The monitor's callback fires while capture is running, i.e. only
		// after the coordinator below was created.
		monitor, err = vad.NewMonitor(cfg.VADModelPath, 1500*time.Millisecond, func() {
			slog.Info("silence detected, ending the turn")

			if err := c.StopTurn(); err != nil {
				slog.Warn(fmt.Sprintf("end turn: %s", err))
			}
		})
		if err != nil {
			return err
		}
		defer monitor.Close()
	}

	c = coordinator.New(coordinator.Options{
		Session: session.Config{
			Endpoint:     cfg.Endpoint,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			Voice:        cfg.Voice,
		},
		Capture:   coordinator.Microphone(driver),
		Player:    player,
		Functions: functionProvider(cfg),
		OnFrame: func(samples []int16) {
			recorder.Append(samples)

			if monitor != nil {
				monitor.Observe(samples)
			}
		},
		OnTurnComplete: func() {
			if transcript := c.Transcript().String(); transcript != "" {
				fmt.Printf("assistant: %s\n", transcript)
			}

			if _, err := recorder.Flush(); err != nil {
				slog.Warn(fmt.Sprintf("dump turn recording: %s", err))
			}
		},
	})
	defer c.Close()

	go printStatus(ctx, c)

	err = c.Connect(ctx)
	if err != nil {
		return err
	}

	return interactiveLoop(ctx, c, monitor, player)
}

func functionProvider(cfg config.Configuration) functions.FunctionProvider {
	if len(cfg.Functions) == 0 {
		return functions.Noop()
	}

	return functions.NewCallLoopPreventingProvider(&docker.Functions{
		FunctionDefinitions: cfg.Functions,
	})
}

func printStatus(ctx context.Context, c *coordinator.Coordinator) {
	s := c.Status().Subscribe(ctx)
	defer s.Stop()

	for update := range s.ResultChan() {
		if update.Message != "" {
			slog.Info(fmt.Sprintf("state: %s (%s)", update.State, update.Message))
		} else {
			slog.Info(fmt.Sprintf("state: %s", update.State))
		}
	}
}

// interactiveLoop toggles the turn on every line of input, like a
// push-to-talk key.
func interactiveLoop(ctx context.Context, c *coordinator.Coordinator, monitor *vad.Monitor, player *playback.Scheduler) error {
	fmt.Println("press enter to start speaking, enter again to send, ctrl+c to quit")

	lines := make(chan struct{})

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-lines:
			if !ok {
				return nil
			}

			var err error

			switch c.State() {
			case model.StateListening:
				err = c.StopTurn()
			case model.StateReady:
				if monitor != nil {
					monitor.Reset()
				}

				err = c.StartTurn()
				if err == nil {
					if beepErr := player.Enqueue(soundgen.Tone(880, 120*time.Millisecond, codec.OutputSampleRate)); beepErr != nil {
						slog.Warn(fmt.Sprintf("play notification tone: %s", beepErr))
					}
				}
			default:
				slog.Info(fmt.Sprintf("busy, state: %s", c.State()))
			}

			if err != nil {
				slog.Warn(err.Error())
			}
		}
	}
}
