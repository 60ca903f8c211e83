package mailcore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rbaliyan/mailcore/store"
)

// Plugin defines the interface for service extensions.
//
// For observing mailbox changes, register an events.Listener on the bus
// instead.
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when service connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when service closes.
	Close(ctx context.Context) error
}

// AppendHook is called around appends.
type AppendHook interface {
	Plugin
	// BeforeAppend runs before the content is read. Return an error to
	// abort, or adjust cmd's flags and internal date.
	BeforeAppend(ctx context.Context, user string, path store.MailboxPath, cmd *AppendCommand) error
	// AfterAppend runs once the message is stored and announced. Errors are
	// logged: the message cannot be rolled back.
	AfterAppend(ctx context.Context, user string, path store.MailboxPath, id ComposedMessageID) error
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all    []Plugin
	append []AppendHook
	logger *slog.Logger
}

func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if h, ok := p.(AppendHook); ok {
		r.append = append(r.append, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

func (r *pluginRegistry) beforeAppend(ctx context.Context, user string, path store.MailboxPath, cmd *AppendCommand) error {
	for _, h := range r.append {
		if err := h.BeforeAppend(ctx, user, path, cmd); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforeAppend", Err: err}
		}
	}
	return nil
}

func (r *pluginRegistry) afterAppend(ctx context.Context, user string, path store.MailboxPath, id ComposedMessageID) {
	for _, h := range r.append {
		if err := h.AfterAppend(ctx, user, path, id); err != nil {
			r.logger.Warn("after append hook failed",
				"plugin", h.Name(), "user", user, "mailbox", path.String(), "uid", id.UID, "error", err)
		}
	}
}
