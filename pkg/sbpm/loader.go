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
	"os"

	"github.com/pbinitiative/zensbpm/pkg/sbpm/exporter"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/pbinitiative/zensbpm/pkg/storage"
)

// LoadFromFile publishes a YAML process model file to the engine and
// returns the stored model.
func (engine *Engine) LoadFromFile(ctx context.Context, filename string) (*model.ProcessModel, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load from file: %w", err)
	}
	return engine.load(ctx, data, filename)
}

// LoadFromBytes publishes a YAML process model document to the engine and
// returns the stored model.
func (engine *Engine) LoadFromBytes(ctx context.Context, data []byte) (*model.ProcessModel, error) {
	m, err := engine.load(ctx, data, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load from bytes: %w", err)
	}
	return m, nil
}

// load parses and validates the document, bumps the version when the model
// id is already known with different content, and stores the result. Loading
// the byte-identical latest version again is a no-op returning the stored
// model.
func (engine *Engine) load(ctx context.Context, data []byte, resourceName string) (*model.ProcessModel, error) {
	m, err := model.Parse(data, resourceName)
	if err != nil {
		return nil, err
	}
	m.Version = 1
	m.Key = engine.generateKey()
	m.State = model.ModelStateActive

	versions, err := engine.persistence.FindProcessModelsById(ctx, m.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to load model versions for id %s: %w", m.Id, err)
	}
	if len(versions) > 0 {
		latest := versions[len(versions)-1]
		if latest.Checksum == m.Checksum {
			engine.modelCache.Add(latest.Key, &latest)
			return &latest, nil
		}
		m.Version = latest.Version + 1
	}
	if err := engine.persistence.SaveProcessModel(ctx, *m); err != nil {
		return nil, fmt.Errorf("failed to save process model: %w", err)
	}
	engine.modelCache.Add(m.Key, m)

	buf := &eventBuffer{}
	buf.processModelEvent(exporter.Created, m)
	engine.publishEvents(buf)

	engine.logger.Info("published process model",
		"modelId", m.Id, "version", m.Version, "key", m.Key, "resource", resourceName)
	return m, nil
}

// DeactivateModel marks the model version INACTIVE. Running instances
// continue on their version; no new instances can be started from it.
func (engine *Engine) DeactivateModel(ctx context.Context, modelKey int64) error {
	m, err := engine.persistence.FindProcessModelByKey(ctx, modelKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newTaskErrorf(ErrorCodeNotFound, "no process model with key=%d", modelKey)
		}
		return fmt.Errorf("failed to load process model %d: %w", modelKey, err)
	}
	if m.State == model.ModelStateInactive {
		return nil
	}
	m.State = model.ModelStateInactive
	if err := engine.persistence.SaveProcessModel(ctx, m); err != nil {
		return fmt.Errorf("failed to deactivate process model %d: %w", modelKey, err)
	}
	engine.modelCache.Add(m.Key, &m)

	buf := &eventBuffer{}
	buf.processModelEvent(exporter.Updated, &m)
	engine.publishEvents(buf)
	return nil
}
