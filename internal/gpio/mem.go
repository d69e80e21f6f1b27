package gpio

import "sync"

// MemLine is an in-memory line. It backs bench runs without GPIO hardware and
// records every level written so pulse sequences can be checked.
type MemLine struct {
	mu       sync.Mutex
	level    int
	released bool
	history  []int
}

func NewMemLine(level int) *MemLine { return &MemLine{level: level} }

func (l *MemLine) SetValue(v int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = v
	l.history = append(l.history, v)
	return nil
}

func (l *MemLine) Value() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level, nil
}

func (l *MemLine) Drive(v int) error {
	l.mu.Lock()
	l.released = false
	l.mu.Unlock()
	return l.SetValue(v)
}

// Release floats the line; an external pull-up reads back as 1.
func (l *MemLine) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	l.level = 1
	l.history = append(l.history, 1)
	return nil
}

func (l *MemLine) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// History returns the levels written since the last Reset.
func (l *MemLine) History() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.history...)
}

func (l *MemLine) ResetHistory() {
	l.mu.Lock()
	l.history = nil
	l.mu.Unlock()
}

// Mem is a Set of MemLines with a hook to inject edges.
type Mem struct {
	Wake, Reset, ChipMode, Status *MemLine

	mu     sync.Mutex
	onEdge func(Edge)
}

func NewMem() *Mem {
	return &Mem{
		Wake:     NewMemLine(1),
		Reset:    &MemLine{level: 1, released: true},
		ChipMode: NewMemLine(0),
		Status:   NewMemLine(0),
	}
}

// Set wraps m as an opened Set; edges injected with Fire go to onEdge.
func (m *Mem) Set(onEdge func(Edge)) *Set {
	m.mu.Lock()
	m.onEdge = onEdge
	m.mu.Unlock()
	return &Set{
		Lines: Lines{Wake: m.Wake, Reset: m.Reset, ChipMode: m.ChipMode, Status: m.Status},
		closeFn: func() error {
			m.mu.Lock()
			m.onEdge = nil
			m.mu.Unlock()
			return nil
		},
	}
}

// Fire delivers an edge as if the kernel reported it.
func (m *Mem) Fire(e Edge) {
	m.mu.Lock()
	fn := m.onEdge
	m.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// SetStatus changes the status level and fires the matching edge.
func (m *Mem) SetStatus(v int) {
	_ = m.Status.SetValue(v)
	m.Fire(Edge{Source: SourceStatus, Rising: v != 0})
}
