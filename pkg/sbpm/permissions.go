// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sbpm

import (
	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
)

// The permission tree of a function state mirrors the attribute tree of the
// object it binds. Reads return only permitted attributes, writes replace
// only writable ones; everything else in the stored values passes through a
// task untouched.

// readView filters object values down to the attributes the permission tree
// grants access to. WRITE implies readability.
func readView(attrs []model.AttributeDefinition, perms []model.AttributePermission, values map[string]any) map[string]any {
	res := map[string]any{}
	for i := range perms {
		perm := &perms[i]
		value, ok := values[perm.AttributeId]
		if !ok {
			continue
		}
		attr := findAttributeDef(attrs, perm.AttributeId)
		if attr == nil {
			continue
		}
		switch attr.Kind {
		case model.AttributeKindToOne:
			if child, ok := value.(map[string]any); ok {
				res[perm.AttributeId] = readView(attr.Attributes, perm.Attributes, child)
			}
		case model.AttributeKindToMany:
			if list, ok := value.([]any); ok {
				filtered := make([]any, 0, len(list))
				for _, item := range list {
					if child, ok := item.(map[string]any); ok {
						filtered = append(filtered, readView(attr.Attributes, perm.Attributes, child))
					}
				}
				res[perm.AttributeId] = filtered
			}
		default:
			res[perm.AttributeId] = value
		}
	}
	return res
}

// mergeWrites merges submitted values into the current ones, rejecting any
// attribute the permission tree does not grant WRITE on. TO_ONE subtrees
// merge recursively, TO_MANY lists are replaced wholesale.
func mergeWrites(attrs []model.AttributeDefinition, perms []model.AttributePermission, current map[string]any, submitted map[string]any) (map[string]any, error) {
	res := make(map[string]any, len(current)+len(submitted))
	for k, v := range current {
		res[k] = v
	}
	for attributeId, value := range submitted {
		perm := findAttributePerm(perms, attributeId)
		if perm == nil || !perm.Writable() {
			return nil, newTaskErrorf(ErrorCodePermissionDenied, "attribute %s is not writable in this task", attributeId)
		}
		attr := findAttributeDef(attrs, attributeId)
		if attr == nil {
			return nil, newTaskErrorf(ErrorCodePermissionDenied, "unknown attribute %s", attributeId)
		}
		switch attr.Kind {
		case model.AttributeKindToOne:
			child, ok := value.(map[string]any)
			if !ok {
				return nil, newTaskErrorf(ErrorCodePermissionDenied, "attribute %s expects a nested object", attributeId)
			}
			currentChild, _ := res[attributeId].(map[string]any)
			merged, err := mergeWrites(attr.Attributes, perm.Attributes, currentChild, child)
			if err != nil {
				return nil, err
			}
			res[attributeId] = merged
		case model.AttributeKindToMany:
			list, ok := value.([]any)
			if !ok {
				return nil, newTaskErrorf(ErrorCodePermissionDenied, "attribute %s expects a list", attributeId)
			}
			mergedList := make([]any, 0, len(list))
			for _, item := range list {
				child, ok := item.(map[string]any)
				if !ok {
					return nil, newTaskErrorf(ErrorCodePermissionDenied, "attribute %s expects a list of objects", attributeId)
				}
				merged, err := mergeWrites(attr.Attributes, perm.Attributes, map[string]any{}, child)
				if err != nil {
					return nil, err
				}
				mergedList = append(mergedList, merged)
			}
			res[attributeId] = mergedList
		default:
			res[attributeId] = value
		}
	}
	return res, nil
}

// enforceMandatory checks that every mandatory writable attribute carries a
// value after the merge, filling declared defaults first. Nested mandatory
// attributes are enforced within present subtrees and every list element.
func enforceMandatory(attrs []model.AttributeDefinition, perms []model.AttributePermission, values map[string]any) error {
	for i := range perms {
		perm := &perms[i]
		attr := findAttributeDef(attrs, perm.AttributeId)
		if attr == nil {
			continue
		}
		value, present := values[perm.AttributeId]
		if perm.Mandatory && (!present || value == nil) {
			if perm.Default == nil {
				return newTaskErrorf(ErrorCodeMandatoryFieldMissing, "attribute %s is mandatory", perm.AttributeId)
			}
			values[perm.AttributeId] = *perm.Default
			continue
		}
		if !present {
			continue
		}
		switch attr.Kind {
		case model.AttributeKindToOne:
			if child, ok := value.(map[string]any); ok {
				if err := enforceMandatory(attr.Attributes, perm.Attributes, child); err != nil {
					return err
				}
			}
		case model.AttributeKindToMany:
			if list, ok := value.([]any); ok {
				for _, item := range list {
					if child, ok := item.(map[string]any); ok {
						if err := enforceMandatory(attr.Attributes, perm.Attributes, child); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}

func findAttributeDef(attrs []model.AttributeDefinition, id string) *model.AttributeDefinition {
	for i := range attrs {
		if attrs[i].Id == id {
			return &attrs[i]
		}
	}
	return nil
}

func findAttributePerm(perms []model.AttributePermission, id string) *model.AttributePermission {
	for i := range perms {
		if perms[i].AttributeId == id {
			return &perms[i]
		}
	}
	return nil
}
