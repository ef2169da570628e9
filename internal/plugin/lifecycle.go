package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// RuntimeState is a descriptor plus the mutable lifecycle fields. Only the
// Lifecycle mutates it.
type RuntimeState struct {
	Descriptor Descriptor
	State      State
	LastError  string
	ChangedAt  time.Time

	module   *Module
	instance Plugin
}

// StateChange is reported to the change hook on every transition.
type StateChange struct {
	Plugin string
	From   State
	To     State
	At     time.Time
	Err    error
}

// Lifecycle drives plugins through their states and owns their instances.
// It is not safe for concurrent use; the Manager serializes access.
type Lifecycle struct {
	storage  store.Storage
	logger   *slog.Logger
	states   map[string]*RuntimeState
	onChange func(StateChange)
}

// NewLifecycle creates a lifecycle manager. st may be nil; plugins are then
// constructed without the shared store.
func NewLifecycle(st store.Storage, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		storage: st,
		logger:  logger,
		states:  make(map[string]*RuntimeState),
	}
}

// OnChange sets a hook called after every state transition.
func (l *Lifecycle) OnChange(fn func(StateChange)) {
	l.onChange = fn
}

func (l *Lifecycle) transition(rs *RuntimeState, to State, err error) {
	from := rs.State
	rs.State = to
	rs.ChangedAt = time.Now()
	if err != nil {
		rs.LastError = err.Error()
	} else if to != StateError {
		rs.LastError = ""
	}

	l.logger.Debug("plugin_state_changed",
		slog.String("plugin", rs.Descriptor.Name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if l.onChange != nil {
		l.onChange(StateChange{Plugin: rs.Descriptor.Name, From: from, To: to, At: rs.ChangedAt, Err: err})
	}
}

// Load records a loaded plugin. Loading a name again replaces its runtime
// state; any live instance must have been destroyed first.
func (l *Lifecycle) Load(desc Descriptor, m *Module) {
	rs := &RuntimeState{Descriptor: desc.clone(), State: StateDiscovered, module: m}
	l.states[desc.Name] = rs
	l.transition(rs, StateLoaded, nil)
}

// Initialize constructs the plugin instance. The shared store is injected
// when the module accepts it. A plugin in the error state must be reloaded
// before it can be initialized again.
func (l *Lifecycle) Initialize(ctx context.Context, name string, settings Settings) error {
	rs, ok := l.states[name]
	if !ok || rs.module == nil {
		return cerrors.PluginInit(name, errors.New("no module registered for plugin"))
	}

	switch rs.State {
	case StateInitialized, StateStarted:
		return nil
	case StateError:
		return cerrors.PluginInit(name, fmt.Errorf("plugin is in error state (%s); reload it first", rs.LastError))
	case StateLoaded:
	default:
		return stateError(name, rs.State, "initialize")
	}

	var instance Plugin
	err := safeCall(func() error {
		var err error
		switch {
		case rs.module.NewWithStorage != nil && (l.storage != nil || rs.module.New == nil):
			instance, err = rs.module.NewWithStorage(l.storage, settings, l.logger.With(slog.String("plugin", name)))
		default:
			instance, err = rs.module.New(settings, l.logger.With(slog.String("plugin", name)))
		}
		return err
	})
	if err == nil && instance == nil {
		err = errors.New("constructor returned no instance")
	}
	if err != nil {
		l.transition(rs, StateError, err)
		return cerrors.PluginInit(name, err)
	}

	rs.instance = instance
	l.transition(rs, StateInitialized, nil)
	return nil
}

// Start runs the optional start hook. A failing hook moves the plugin to the
// error state and releases its instance.
func (l *Lifecycle) Start(ctx context.Context, name string) error {
	rs, ok := l.states[name]
	if !ok {
		return cerrors.PluginNotFound(name)
	}

	switch rs.State {
	case StateStarted:
		return nil
	case StateInitialized:
	default:
		return stateError(name, rs.State, "start")
	}

	if starter, ok := rs.instance.(Starter); ok {
		if err := safeCall(func() error { return starter.Start(ctx) }); err != nil {
			l.release(rs)
			l.transition(rs, StateError, err)
			return cerrors.PluginInit(name, err)
		}
	}
	l.transition(rs, StateStarted, nil)
	return nil
}

// Stop runs the optional stop hook. Hook failures are logged; the plugin
// still ends up stopped.
func (l *Lifecycle) Stop(ctx context.Context, name string) error {
	rs, ok := l.states[name]
	if !ok {
		return cerrors.PluginNotFound(name)
	}

	switch rs.State {
	case StateStopped:
		return nil
	case StateStarted:
		if stopper, ok := rs.instance.(Stopper); ok {
			if err := safeCall(func() error { return stopper.Stop(ctx) }); err != nil {
				l.logger.Warn("plugin_stop_failed",
					slog.String("plugin", name),
					slog.String("error", err.Error()))
			}
		}
	case StateInitialized:
	default:
		return stateError(name, rs.State, "stop")
	}

	l.transition(rs, StateStopped, nil)
	return nil
}

// Destroy runs the optional destroy hook, drops the instance and returns the
// plugin to the loaded state.
func (l *Lifecycle) Destroy(name string) error {
	rs, ok := l.states[name]
	if !ok {
		return cerrors.PluginNotFound(name)
	}
	if rs.State != StateStopped {
		return stateError(name, rs.State, "destroy")
	}

	l.release(rs)
	l.transition(rs, StateLoaded, nil)
	return nil
}

// Disable marks a plugin disabled. An active plugin must be stopped and
// destroyed first.
func (l *Lifecycle) Disable(name string) error {
	rs, ok := l.states[name]
	if !ok {
		return cerrors.PluginNotFound(name)
	}
	if rs.State.IsActive() || rs.State == StateStopped {
		return stateError(name, rs.State, "disable")
	}
	l.release(rs)
	l.transition(rs, StateDisabled, nil)
	return nil
}

// Enable returns a disabled plugin to the loaded state.
func (l *Lifecycle) Enable(name string) error {
	rs, ok := l.states[name]
	if !ok {
		return cerrors.PluginNotFound(name)
	}
	if rs.State != StateDisabled {
		return nil
	}
	l.transition(rs, StateLoaded, nil)
	return nil
}

// Remove forgets a plugin, releasing any instance it still holds.
func (l *Lifecycle) Remove(name string) {
	if rs, ok := l.states[name]; ok {
		l.release(rs)
		delete(l.states, name)
	}
}

// release calls the destroy hook, if any, and drops the instance.
func (l *Lifecycle) release(rs *RuntimeState) {
	if rs.instance == nil {
		return
	}
	if destroyer, ok := rs.instance.(Destroyer); ok {
		if err := safeCall(destroyer.Destroy); err != nil {
			l.logger.Warn("plugin_destroy_failed",
				slog.String("plugin", rs.Descriptor.Name),
				slog.String("error", err.Error()))
		}
	}
	rs.instance = nil
}

// GetInstance returns the live instance, or nil unless the plugin is
// initialized or started.
func (l *Lifecycle) GetInstance(name string) Plugin {
	rs, ok := l.states[name]
	if !ok || !rs.State.IsActive() {
		return nil
	}
	return rs.instance
}

// State returns the current state of name.
func (l *Lifecycle) State(name string) (State, bool) {
	rs, ok := l.states[name]
	if !ok {
		return StateDiscovered, false
	}
	return rs.State, true
}

// Snapshot returns a copy of the runtime state without the instance.
func (l *Lifecycle) Snapshot(name string) (RuntimeState, bool) {
	rs, ok := l.states[name]
	if !ok {
		return RuntimeState{}, false
	}
	return RuntimeState{
		Descriptor: rs.Descriptor.clone(),
		State:      rs.State,
		LastError:  rs.LastError,
		ChangedAt:  rs.ChangedAt,
	}, true
}

// Names returns every tracked plugin name in no particular order.
func (l *Lifecycle) Names() []string {
	names := make([]string, 0, len(l.states))
	for name := range l.states {
		names = append(names, name)
	}
	return names
}

func stateError(name string, s State, op string) error {
	return cerrors.New(cerrors.ErrCodePluginState,
		fmt.Sprintf("cannot %s plugin %q in state %s", op, name, s), nil).
		WithDetail("plugin", name)
}

// safeCall runs fn, turning a panic into an error so one plugin cannot take
// the process down.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic: %v", r)
		}
	}()
	return fn()
}
