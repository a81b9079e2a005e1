package dataplane

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Recorder is an in-process controller that keeps every submitted command.
//
// It backs the dry-run mode and is the data plane fake in tests.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
	fail     func(Command) error
	log      *zap.SugaredLogger
}

// NewRecorder creates a new recording controller.
func NewRecorder(log *zap.SugaredLogger) *Recorder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{log: log}
}

// FailWith makes Submit return the error produced by fn; nil restores
// success.
func (m *Recorder) FailWith(fn func(Command) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Submit implements Controller.
func (m *Recorder) Submit(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		if err := m.fail(cmd); err != nil {
			return err
		}
	}

	m.log.Debugw("recorded dataplane command", zap.Stringer("kind", cmd.Kind()), zap.Any("command", cmd))
	m.commands = append(m.commands, cmd)
	return nil
}

// Commands returns a copy of the recorded commands.
func (m *Recorder) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Command, len(m.commands))
	copy(out, m.commands)
	return out
}

// Reset forgets the recorded commands.
func (m *Recorder) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = nil
}

// Filter returns the commands of type T in submission order.
func Filter[T Command](commands []Command) []T {
	out := make([]T, 0, len(commands))
	for _, cmd := range commands {
		if v, ok := cmd.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
