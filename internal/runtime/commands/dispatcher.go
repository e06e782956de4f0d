package commands

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Command represents a typed request routed through the dispatcher.
type Command interface {
	Name() string
}

// Response represents a typed response to a command.
type Response interface{}

// Handler processes a specific command type.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd Command) (Response, error)

// Handle invokes the underlying function.
func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (Response, error) {
	return f(ctx, cmd)
}

// Dispatcher routes commands to registered handlers. Registration normally
// happens during startup; Dispatch is safe for concurrent use.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register associates a handler with a command name. Panics if a handler is
// already registered.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		panic("commands: handler already registered for " + name)
	}
	d.handlers[name] = h
}

// Names lists the registered command names in lexical order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Middleware is a function that can intercept command handling.
// It receives the next handler in the chain and may short-circuit.
type Middleware func(ctx context.Context, cmd Command, next Handler) (Response, error)

// Use appends a middleware to the dispatcher chain (applies to all commands).
func (d *Dispatcher) Use(m Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, m)
}

// Dispatch routes the command to the registered handler.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Response, error) {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Name()]
	chain := d.middleware
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownCommand{name: cmd.Name()}
	}
	// The first registered middleware runs outermost.
	final := h
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := final
		final = HandlerFunc(func(ctx context.Context, c Command) (Response, error) {
			return mw(ctx, c, next)
		})
	}
	return final.Handle(ctx, cmd)
}

// LogMiddleware logs every dispatched command with its duration. Failures are
// logged as warnings; the error is passed through unchanged.
func LogMiddleware() Middleware {
	return func(ctx context.Context, cmd Command, next Handler) (Response, error) {
		started := time.Now()
		resp, err := next.Handle(ctx, cmd)
		elapsed := time.Since(started).Round(time.Microsecond)
		if err != nil {
			log.Printf("WARN: command %s failed after %s: %v", cmd.Name(), elapsed, err)
			return resp, err
		}
		log.Printf("INFO: command %s ok (%s)", cmd.Name(), elapsed)
		return resp, nil
	}
}

// ErrUnknownCommand is returned when no handler exists for a command.
type ErrUnknownCommand struct {
	name string
}

func (e ErrUnknownCommand) Error() string { return "commands: unknown command " + e.name }

// Command returns the name that had no handler.
func (e ErrUnknownCommand) Command() string { return e.name }
