// Package task implements the per-connection navigation stack: one current
// task plus a LIFO of suspended tasks, each owning a private state bag.
package task

import (
	"sort"
	"strconv"
	"strings"
)

// Op names a registered operation. Module may be empty for core operations.
type Op struct {
	Module string `json:"module,omitempty"`
	Name   string `json:"task"`
}

func (o Op) String() string {
	if o.Module == "" {
		return o.Name
	}
	return o.Module + "." + o.Name
}

func (o Op) IsZero() bool {
	return o.Module == "" && o.Name == ""
}

// ParseOp accepts "module.name" or a bare "name".
func ParseOp(s string) Op {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return Op{Module: s[:i], Name: s[i+1:]}
	}
	return Op{Name: s}
}

// Task is a unit of navigation on a connection.
type Task struct {
	Op    Op
	State State
}

// State is a task's private key/value bag. Values are copied deeply when a
// new task inherits them, so the two tasks never share mutable storage.
type State map[string]any

func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	return out
}

func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Int64 returns the integer stored under key. Numeric strings are accepted.
func (s State) Int64(key string) int64 {
	switch v := s[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func (s State) Int(key string) int {
	return int(s.Int64(key))
}

func (s State) Bool(key string) bool {
	v, _ := s[key].(bool)
	return v
}

func (s State) Has(key string) bool {
	_, ok := s[key]
	return ok
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case State:
		return t.Clone()
	case map[string]any:
		return map[string]any(State(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []int64:
		return append([]int64(nil), t...)
	case IDSet:
		return t.Clone()
	default:
		return v
	}
}

// IDSet is a set of message ids.
type IDSet map[int64]struct{}

func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s IDSet) Add(id int64) {
	s[id] = struct{}{}
}

func (s IDSet) Remove(id int64) {
	delete(s, id)
}

func (s IDSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// IDs returns the members in ascending order.
func (s IDSet) IDs() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
