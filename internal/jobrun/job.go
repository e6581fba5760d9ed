// Package jobrun owns the subscription lifecycle of every registered
// handler against the workflow engine: per-task-type streaming
// activation, bounded-concurrency dispatch, outcome reporting, and
// transport reconnection. Grounded on
// agent/internal/connection/manager.go's reconnect loop and
// agent/internal/executor/executor.go's bounded worker loop, generalized
// from one global queue to N independent per-task-type pools.
package jobrun

import (
	"time"

	"github.com/vladadzumka89-spec/camunda-processes/internal/enginepb"
)

// Job is the unit handed to a Handler: an engine-activated job with its
// variables already decoded into a plain map.
type Job struct {
	Key                int64
	Type               string
	ProcessInstanceKey int64
	ElementInstanceKey int64
	ElementID          string
	BpmnProcessID      string
	CustomHeaders      map[string]string
	RetriesRemaining   int32
	Deadline           time.Time
	Variables          map[string]any
}

// fromActivated converts the wire representation into a Job.
func fromActivated(a enginepb.ActivatedJob) Job {
	vars := a.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	headers := a.CustomHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	return Job{
		Key:                a.Key,
		Type:               a.Type,
		ProcessInstanceKey: a.ProcessInstanceKey,
		ElementInstanceKey: a.ElementInstanceKey,
		ElementID:          a.ElementID,
		BpmnProcessID:      a.BpmnProcessID,
		CustomHeaders:      headers,
		RetriesRemaining:   a.Retries,
		Deadline:           time.UnixMilli(a.Deadline),
		Variables:          vars,
	}
}

// String returns a param as a string, or def if absent/wrong type —
// matching the Python handlers' **kwargs default-parameter style.
func (j Job) String(key, def string) string {
	if v, ok := j.Variables[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns a param as an int, or def if absent/wrong type.
func (j Job) Int(key string, def int) int {
	if v, ok := j.Variables[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return def
}

// Bool returns a param as a bool, or def if absent/wrong type.
func (j Job) Bool(key string, def bool) bool {
	if v, ok := j.Variables[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
