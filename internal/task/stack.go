package task

// Stack holds the current task and the tasks suspended beneath it.
// It is owned by a single connection goroutine and is not safe for
// concurrent use.
type Stack struct {
	current   *Task
	suspended []*Task
}

// Current returns the running task, or nil before the first Start.
func (s *Stack) Current() *Task {
	return s.current
}

// Depth is the number of suspended tasks.
func (s *Stack) Depth() int {
	return len(s.suspended)
}

// IsCurrent reports whether op is the running task.
func (s *Stack) IsCurrent(op Op) bool {
	return s.current != nil && s.current.Op == op
}

// Start makes op the current task and reports whether it just started.
// Starting the op that is already current is a no-op. Otherwise the current
// task is suspended and the new task receives deep copies of the inherited
// keys that are present in the suspended task's state.
func (s *Stack) Start(op Op, inherit ...string) bool {
	if s.current != nil && s.current.Op == op {
		return false
	}
	next := &Task{Op: op, State: State{}}
	if s.current != nil {
		for _, key := range inherit {
			if v, ok := s.current.State[key]; ok {
				next.State[key] = cloneValue(v)
			}
		}
		s.suspended = append(s.suspended, s.current)
	}
	s.current = next
	return true
}

// Pop discards the current task and resumes the most recently suspended one.
// With nothing suspended it does nothing and returns false.
func (s *Stack) Pop() (*Task, bool) {
	n := len(s.suspended)
	if n == 0 {
		return nil, false
	}
	s.current = s.suspended[n-1]
	s.suspended[n-1] = nil
	s.suspended = s.suspended[:n-1]
	return s.current, true
}

// Clear empties the stack and forgets the current task.
func (s *Stack) Clear() {
	s.current = nil
	s.suspended = nil
}

// Trail lists the suspended ops from bottom to top, followed by the current op.
func (s *Stack) Trail() []Op {
	out := make([]Op, 0, len(s.suspended)+1)
	for _, t := range s.suspended {
		out = append(out, t.Op)
	}
	if s.current != nil {
		out = append(out, s.current.Op)
	}
	return out
}

// Clone returns a deep copy of the stack, states included.
func (s *Stack) Clone() Stack {
	out := Stack{current: s.current.clone()}
	if len(s.suspended) > 0 {
		out.suspended = make([]*Task, len(s.suspended))
		for i, t := range s.suspended {
			out.suspended[i] = t.clone()
		}
	}
	return out
}

func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	return &Task{Op: t.Op, State: t.State.Clone()}
}
