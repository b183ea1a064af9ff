// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sbpm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/exporter"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/pbinitiative/zensbpm/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const defaultModelCacheSize = 128

// Engine executes subject oriented process models: per-subject state
// machines over a shared model, communicating through typed messages.
// All boundary operations are safe for concurrent use; conflicting writes
// on one subject are serialized and resolved optimistically.
type Engine struct {
	name             string
	logger           hclog.Logger
	tracer           trace.Tracer
	snowflake        *snowflake.Node
	persistence      storage.Storage
	exporters        []exporter.EventExporter
	providers        map[string]TaskProvider
	directory        UserDirectory
	modelCache       *lru.Cache[int64, *model.ProcessModel]
	runningInstances *RunningInstancesCache

	startedInstances    metric.Int64Counter
	executedTransitions metric.Int64Counter
	publishedEvents     metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

type EngineOption = func(*Engine)

// NewEngine creates a new instance of the SBPM Engine;
func NewEngine(options ...EngineOption) Engine {
	name := fmt.Sprintf("Sbpm-Engine-%d", getGlobalSnowflakeIdGenerator().Generate().Int64())
	ctx, cancel := context.WithCancel(context.Background())
	cache, err := lru.New[int64, *model.ProcessModel](defaultModelCacheSize)
	if err != nil {
		panic("can't initialize model cache. Message: " + err.Error())
	}
	meter := otel.Meter("zensbpm.engine")
	startedInstances, _ := meter.Int64Counter("sbpm.engine.started_process_instances",
		metric.WithDescription("Number of process instances started"))
	executedTransitions, _ := meter.Int64Counter("sbpm.engine.executed_transitions",
		metric.WithDescription("Number of committed task transitions"))
	publishedEvents, _ := meter.Int64Counter("sbpm.engine.published_events",
		metric.WithDescription("Number of events handed to exporters after commit"))

	engine := Engine{
		name:                name,
		logger:              hclog.Default().Named("sbpm-engine"),
		tracer:              otel.Tracer("zensbpm.engine"),
		snowflake:           getGlobalSnowflakeIdGenerator(),
		exporters:           []exporter.EventExporter{},
		providers:           map[string]TaskProvider{},
		modelCache:          cache,
		runningInstances:    newRunningInstancesCache(),
		startedInstances:    startedInstances,
		executedTransitions: executedTransitions,
		publishedEvents:     publishedEvents,
		ctx:                 ctx,
		cancel:              cancel,
		wg:                  &sync.WaitGroup{},
	}

	for _, option := range options {
		option(&engine)
	}

	return engine
}

func EngineWithStorage(persistence storage.Storage) EngineOption {
	return func(engine *Engine) {
		engine.persistence = persistence
	}
}

func EngineWithExporter(exporter exporter.EventExporter) EngineOption {
	return func(engine *Engine) { engine.AddEventExporter(exporter) }
}

func EngineWithName(name string) EngineOption {
	return func(engine *Engine) {
		engine.name = name
	}
}

func EngineWithLogger(logger hclog.Logger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

func EngineWithDirectory(directory UserDirectory) EngineOption {
	return func(engine *Engine) {
		engine.directory = directory
	}
}

// EngineWithProvider registers the provider under the name function states
// reference it by.
func EngineWithProvider(name string, provider TaskProvider) EngineOption {
	return func(engine *Engine) {
		engine.providers[name] = provider
	}
}

func EngineWithModelCacheSize(size int) EngineOption {
	return func(engine *Engine) {
		cache, err := lru.New[int64, *model.ProcessModel](size)
		if err != nil {
			panic("can't initialize model cache. Message: " + err.Error())
		}
		engine.modelCache = cache
	}
}

// Name of the engine instance.
func (engine *Engine) Name() string {
	return engine.name
}

// Stop cancels scheduled background work (provider executions, asynchronous
// send continuations) and waits for in-flight work to finish. The engine
// must not be used afterwards.
func (engine *Engine) Stop() {
	engine.cancel()
	engine.wg.Wait()
}

// resolveModel loads the model behind modelKey, preferring the cache.
func (engine *Engine) resolveModel(ctx context.Context, modelKey int64) (*model.ProcessModel, error) {
	if m, ok := engine.modelCache.Get(modelKey); ok {
		return m, nil
	}
	m, err := engine.persistence.FindProcessModelByKey(ctx, modelKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newTaskErrorf(ErrorCodeNotFound, "no process model with key=%d", modelKey)
		}
		return nil, fmt.Errorf("failed to load process model %d: %w", modelKey, err)
	}
	engine.modelCache.Add(modelKey, &m)
	return &m, nil
}
