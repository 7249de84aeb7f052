package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/companion-labs/gateway/channel"
	"github.com/companion-labs/gateway/config"
	"github.com/companion-labs/gateway/correlation"
	"github.com/companion-labs/gateway/datasource"
	"github.com/companion-labs/gateway/devices"
	"github.com/companion-labs/gateway/dialogue"
	"github.com/companion-labs/gateway/dispatch"
	"github.com/companion-labs/gateway/generate"
	"github.com/companion-labs/gateway/history"
	"github.com/companion-labs/gateway/observability"
	"github.com/companion-labs/gateway/session"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Path to gateway config file (required)")
		dialogueFile = flag.String("dialogue", "", "Path to dialogue corpus JSON file")
		emoteDir     = flag.String("emotes", "", "Path to emote definition directory")
		verbose      = flag.Bool("verbose", false, "Enable verbose logging to stderr")
	)
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: gateway -config <file>")
		flag.PrintDefaults()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	observer := observability.NewSlogObserver(logger)

	recorder, err := history.NewFileRecorder(cfg.HistoryDir)
	if err != nil {
		log.Fatalf("Failed to open history dir: %v", err)
	}
	defer recorder.Close()

	registry, err := devices.Load(cfg.DeviceListPath, cfg.Mode)
	if err != nil {
		log.Fatalf("Failed to load device list: %v", err)
	}

	hub, err := channel.NewManager(cfg.HubAddress, cfg.IdentityPath, cfg.ReadInterval,
		channel.WithObserver(observer))
	if err != nil {
		log.Fatalf("Failed to create channel manager: %v", err)
	}
	defer hub.Close()

	store := correlation.NewStore(
		correlation.WithAwaitTimeout(cfg.AwaitTimeout),
		correlation.WithObserver(observer))
	data := datasource.NewClient(store, hub,
		datasource.WithAPIKeys(cfg.WeatherAPIKey, cfg.NewsAPIKey),
		datasource.WithRecorder(recorder),
		datasource.WithObserver(observer))

	emotes := generate.NewEmoteRegistry()
	if *emoteDir != "" {
		if err := emotes.LoadDir(*emoteDir); err != nil {
			log.Fatalf("Failed to load emote definitions: %v", err)
		}
	}

	corpus := generate.NewCorpus()
	seedFallbacks(corpus)
	if *dialogueFile != "" {
		if err := corpus.LoadFile(*dialogueFile); err != nil {
			log.Fatalf("Failed to load dialogue corpus: %v", err)
		}
	}

	sessions := session.NewMemoryStore(cfg.SessionRetention)
	filler := generate.NewFiller(data)
	template := generate.NewTemplateGenerator(corpus, emotes, filler)
	completer := generate.NewCompletionClient(cfg.CompletionURL, cfg.CompletionModel, cfg.CompletionKey,
		generate.WithCompletionRecorder(recorder))
	empathy := generate.NewEmpathyGenerator(completer, sessions, emotes, filler)

	dispatcher := dispatch.NewDispatcher(hub, data,
		dispatch.WithRecorder(recorder),
		dispatch.WithObserver(observer))

	orchestrator := dialogue.NewOrchestrator(hub, dispatcher, template, empathy, data, emotes,
		dialogue.WithForegroundGrace(cfg.ForegroundGrace),
		dialogue.WithRecorder(recorder),
		dialogue.WithObserver(observer))

	router := dialogue.NewRouter(orchestrator, hub, registry, sessions, data,
		dialogue.WithRouterRecorder(recorder),
		dialogue.WithRouterObserver(observer))
	defer router.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The tablet peer must be up before the server peer: once the server
	// identity registers, the hub starts addressing us with device traffic.
	if err := hub.ConnectTablet(ctx); err != nil {
		log.Fatalf("Failed to connect tablet peer: %v", err)
	}
	if err := hub.ConnectServer(ctx); err != nil {
		log.Fatalf("Failed to connect server peer: %v", err)
	}

	logger.Info("gateway connected",
		"hub", cfg.HubAddress,
		"mode", string(cfg.Mode),
		"tablet_id", hub.PeerID(channel.RoleTablet),
		"server_id", hub.PeerID(channel.RoleServer))

	if err := hub.Listen(ctx, router.Handle); err != nil && ctx.Err() == nil {
		log.Fatalf("Hub connection lost: %v", err)
	}
}

// seedFallbacks registers the built-in apology replies so the templated
// generator can always close a conversation, even with no corpus loaded.
func seedFallbacks(corpus *generate.Corpus) {
	corpus.AddResponse(generate.FallbackKey, "nl", generate.Response{
		Message: "Het spijt me, er is iets misgegaan. Probeer het opnieuw.",
		Emotes:  map[string]string{generate.TargetHead: "sad"},
	})
	corpus.AddResponse(generate.FallbackKey, "en", generate.Response{
		Message: "I am sorry, something went wrong. Please try again.",
		Emotes:  map[string]string{generate.TargetHead: "sad"},
	})
}
