package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pbinitiative/zensbpm/internal/config"
	"github.com/pbinitiative/zensbpm/internal/log"
	"github.com/pbinitiative/zensbpm/internal/otel"
	"github.com/pbinitiative/zensbpm/internal/profile"
	"github.com/pbinitiative/zensbpm/internal/rest"
	"github.com/pbinitiative/zensbpm/pkg/sbpm"
	"github.com/pbinitiative/zensbpm/pkg/script/js"
	"github.com/pbinitiative/zensbpm/pkg/storage/inmemory"
)

func main() {
	profile.InitProfile()
	log.Init()

	appContext, ctxCancel := context.WithCancel(context.Background())

	conf := config.InitConfig()

	openTelemetry, err := otel.SetupOtel(conf.Tracing)
	if err != nil {
		log.Error("Failed to set up OTEL: %s", err)
		os.Exit(1)
	}

	store := inmemory.NewStorage()
	jsRuntime := js.NewJsRuntime(appContext, conf.Engine.ScriptPoolMax, conf.Engine.ScriptPoolMin)

	options := []sbpm.EngineOption{
		sbpm.EngineWithName(conf.Name),
		sbpm.EngineWithLogger(log.Named("engine")),
		sbpm.EngineWithStorage(store),
		sbpm.EngineWithModelCacheSize(conf.Engine.ModelCacheSize),
		sbpm.EngineWithProvider("js", sbpm.NewJsTaskProvider(jsRuntime)),
	}
	if len(conf.Users) > 0 {
		options = append(options, sbpm.EngineWithDirectory(sbpm.NewStaticUserDirectory(conf.Users)))
	}
	engine := sbpm.NewEngine(options...)

	if conf.Engine.ModelsDir != "" {
		publishModels(appContext, &engine, conf.Engine.ModelsDir)
	}

	// Start the public API
	svr := rest.NewServer(&engine, conf)
	svr.Start()

	appStop := make(chan os.Signal, 2)
	signal.Notify(appStop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	handleSigterm(appStop)

	ctxCancel()
	// cleanup
	svr.Stop(appContext)
	engine.Stop()
	openTelemetry.Stop(appContext)
}

// publishModels loads every model file of the directory on startup
func publishModels(ctx context.Context, engine *sbpm.Engine, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error("failed to read models directory %s: %s", dir, err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if _, err := engine.LoadFromFile(ctx, filepath.Join(dir, entry.Name())); err != nil {
			log.Error("failed to publish model %s: %s", entry.Name(), err)
		}
	}
}

func handleSigterm(appStop chan os.Signal) {
	sig := <-appStop
	log.Info("Received %s. Shutting down", sig.String())
}
