// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

// FieldRule describes how a single task field may be written. The rules are
// interpreted at the store boundary: the HTTP layer hands the raw PATCH
// payload to ValidateTaskUpdate before anything reaches the store.
type FieldRule struct {
	// ReadOnly fields are managed by the server and never writable.
	ReadOnly bool

	// MutableIffInactive fields may change only while the task has not
	// left the inactive state.
	MutableIffInactive bool

	// CreatableIffInactive fields may be set at creation but not patched;
	// list fields in this class are mutated through virtual resources
	// instead.
	CreatableIffInactive bool

	// Virtual fields are not stored at all. They name bulk operations that
	// ride along in a PATCH body and are split off before the physical
	// update.
	Virtual bool
}

// TaskFieldRules is the declarative schema for the tasks collection.
var TaskFieldRules = map[string]FieldRule{
	"id":      {ReadOnly: true},
	"name":    {MutableIffInactive: true},
	"command": {MutableIffInactive: true},
	"state":   {},

	"continuations": {CreatableIffInactive: true},

	"requested_resources":  {MutableIffInactive: true},
	"estimated_runtime_ms": {MutableIffInactive: true},
	"max_shutdown_time_ms": {MutableIffInactive: true},
	"max_attempt_count":    {MutableIffInactive: true},

	"attempt_count":            {ReadOnly: true},
	"pending_dependency_count": {ReadOnly: true},
	"execution_data_id":        {ReadOnly: true},
	"create_time":              {ReadOnly: true},
	"modify_time":              {ReadOnly: true},

	"add_continuations":     {Virtual: true},
	"remove_continuations":  {Virtual: true},
	"update_execution_data": {Virtual: true},
}

// VirtualTaskFields lists the bulk-operation keys that may be embedded in a
// task PATCH, in application order.
var VirtualTaskFields = []string{
	"add_continuations",
	"remove_continuations",
	"update_execution_data",
}

// IsVirtualTaskField reports whether a PATCH key names a virtual resource.
func IsVirtualTaskField(field string) bool {
	rule, ok := TaskFieldRules[field]
	return ok && rule.Virtual
}

// SplitTaskUpdate separates the physical fields of a PATCH payload from the
// embedded virtual-resource payloads. The store rejects unknown fields, so
// the split must happen before the physical update is applied.
func SplitTaskUpdate(payload map[string]interface{}) (physical, virtual map[string]interface{}) {
	physical = make(map[string]interface{}, len(payload))
	virtual = make(map[string]interface{})
	for field, value := range payload {
		if IsVirtualTaskField(field) {
			virtual[field] = value
		} else {
			physical[field] = value
		}
	}
	return physical, virtual
}

// ValidateTaskUpdate interprets TaskFieldRules for a physical PATCH payload
// against the stored document. State transitions are checked separately by
// the coordinator; here a state key only needs to name a real state.
func ValidateTaskUpdate(payload map[string]interface{}, original *Task) error {
	var ve ValidationError

	for field, value := range payload {
		rule, ok := TaskFieldRules[field]
		if !ok {
			ve.Add(field, "unknown field")
			continue
		}

		switch {
		case rule.ReadOnly:
			ve.Add(field, "field is read-only")
		case rule.Virtual:
			// Split off before this point; reaching here is a
			// caller bug, report it like an unknown field.
			ve.Add(field, "virtual resource in physical update")
		case rule.CreatableIffInactive:
			ve.Add(field, "field can only be set at creation; use the add_%s and remove_%s resources", field, field)
		case rule.MutableIffInactive:
			if original.State != TaskStateInactive {
				ve.Add(field, "cannot change field once the task has left the 'inactive' state")
			}
		}

		if field == "state" {
			s, ok := value.(string)
			if !ok || !ValidTaskState(s) {
				ve.Add("state", "unknown state %v", value)
			}
		}
	}

	return ve.OrNil()
}
