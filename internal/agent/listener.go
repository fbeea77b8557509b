package agent

import (
	"log/slog"
	"sync"

	"github.com/emberbank/fleetrelay/pkg/protocol"
)

// CommandHandler reacts to one command from the relay.
type CommandHandler func(cmd protocol.Command)

// listeners fans incoming commands out to the handlers registered for each
// action tag. A panicking handler is isolated: the others still run.
type listeners struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]CommandHandler
}

func newListeners(logger *slog.Logger) *listeners {
	return &listeners{
		logger:   logger.With("component", "listeners"),
		handlers: make(map[string][]CommandHandler),
	}
}

// On registers a handler for the given action tag.
func (l *listeners) On(action string, h CommandHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[action] = append(l.handlers[action], h)
}

// Dispatch invokes every handler registered for the command's action.
func (l *listeners) Dispatch(cmd protocol.Command) {
	l.mu.RLock()
	hs := l.handlers[cmd.Action]
	l.mu.RUnlock()

	if len(hs) == 0 {
		l.logger.Debug("no handler for command", "action", cmd.Action)
		return
	}
	for _, h := range hs {
		l.invoke(cmd, h)
	}
}

func (l *listeners) invoke(cmd protocol.Command, h CommandHandler) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("command handler panicked", "action", cmd.Action, "panic", r)
		}
	}()
	h(cmd)
}
