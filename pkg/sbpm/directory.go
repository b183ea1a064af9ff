// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sbpm

import "sync"

// UserDirectory answers who exists and who holds which roles. The engine
// does not manage users or roles itself; deployments plug in their identity
// backend behind this interface.
type UserDirectory interface {
	UserExists(userId string) bool

	// UserHasAnyRole reports whether the user holds at least one of roles.
	UserHasAnyRole(userId string, roles []string) bool

	// UsersWithAnyRole returns every user holding at least one of roles.
	// Used for task notification fan-out.
	UsersWithAnyRole(roles []string) []string
}

// StaticUserDirectory is a fixed user-to-roles table, sufficient for tests
// and single-tenant embeddings.
type StaticUserDirectory struct {
	mu    sync.RWMutex
	users map[string][]string
}

func NewStaticUserDirectory(users map[string][]string) *StaticUserDirectory {
	copied := make(map[string][]string, len(users))
	for user, roles := range users {
		copied[user] = append([]string{}, roles...)
	}
	return &StaticUserDirectory{users: copied}
}

func (d *StaticUserDirectory) AddUser(userId string, roles ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userId] = append([]string{}, roles...)
}

func (d *StaticUserDirectory) UserExists(userId string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.users[userId]
	return ok
}

func (d *StaticUserDirectory) UserHasAnyRole(userId string, roles []string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, held := range d.users[userId] {
		for _, role := range roles {
			if held == role {
				return true
			}
		}
	}
	return false
}

func (d *StaticUserDirectory) UsersWithAnyRole(roles []string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var res []string
	for user, held := range d.users {
		for _, h := range held {
			matched := false
			for _, role := range roles {
				if h == role {
					res = append(res, user)
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
	}
	return res
}
