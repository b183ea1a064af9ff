// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sbpm

import (
	"sync"
)

type runningInstance struct {
	mu   sync.Mutex
	refs int
}

// RunningInstancesCache serializes units of work per process instance key.
// Two concurrent transitions within one instance run one after the other;
// a user losing the race then fails the optimistic concurrency check of its
// subject instead of racing on storage.
type RunningInstancesCache struct {
	instances map[int64]*runningInstance
	mu        sync.Mutex
}

func newRunningInstancesCache() *RunningInstancesCache {
	return &RunningInstancesCache{
		instances: map[int64]*runningInstance{},
	}
}

func (c *RunningInstancesCache) lockInstance(processInstanceKey int64) {
	c.mu.Lock()
	ins, ok := c.instances[processInstanceKey]
	if !ok {
		ins = &runningInstance{}
		c.instances[processInstanceKey] = ins
	}
	ins.refs++
	c.mu.Unlock()
	ins.mu.Lock()
}

func (c *RunningInstancesCache) unlockInstance(processInstanceKey int64) {
	c.mu.Lock()
	ins := c.instances[processInstanceKey]
	ins.refs--
	if ins.refs == 0 {
		delete(c.instances, processInstanceKey)
	}
	c.mu.Unlock()
	ins.mu.Unlock()
}
