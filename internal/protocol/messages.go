package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TaskPing is the keepalive a client sends while idle. It is never dispatched.
const TaskPing = "ping"

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMissingTask     = errors.New("message has no task")
)

// Envelope names the operation a client frame asks for.
type Envelope struct {
	Module string `json:"module,omitempty"`
	Task   string `json:"task"`
}

// Operation is a parsed client request. Payload holds every field other
// than module and task.
type Operation struct {
	Module  string
	Task    string
	Payload Payload
}

func (o Operation) IsPing() bool {
	return o.Module == "" && o.Task == TaskPing
}

// ParseClientMessage decodes a text frame of the form
// {"module": "...", "task": "...", ...fields}.
func ParseClientMessage(raw []byte) (Operation, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Operation{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if fields == nil {
		return Operation{}, ErrUnsupportedType
	}

	module, _ := fields["module"].(string)
	name, ok := fields["task"].(string)
	if !ok {
		if _, present := fields["task"]; present {
			return Operation{}, ErrUnsupportedType
		}
		return Operation{}, ErrMissingTask
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Operation{}, ErrMissingTask
	}
	delete(fields, "module")
	delete(fields, "task")

	return Operation{
		Module:  strings.TrimSpace(module),
		Task:    name,
		Payload: Payload(fields),
	}, nil
}

// Payload is the loosely typed field bag of a client operation.
type Payload map[string]any

func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Payload) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// Int64 returns the integer under key and whether one was present and valid.
func (p Payload) Int64(key string) (int64, bool) {
	switch v := p[key].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool treats true, "1", "true" and non-zero numbers as set.
func (p Payload) Bool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	case json.Number:
		n, err := v.Int64()
		return err == nil && n != 0
	case float64:
		return v != 0
	default:
		return false
	}
}
