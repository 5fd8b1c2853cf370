package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mfateev/gatekeeper/internal/execsession"
	"github.com/mfateev/gatekeeper/internal/fileops"
	"github.com/mfateev/gatekeeper/internal/mcp"
	"github.com/mfateev/gatekeeper/internal/permission"
)

// Subsystems are the components a registry dispatches to. A nil field
// leaves the capabilities depending on it unavailable.
type Subsystems struct {
	Permissions *permission.Engine
	Shells      *execsession.Manager
	Files       *fileops.Service
	Servers     *mcp.Registry
}

// Options configures initialization.
type Options struct {
	// WarmDefaultSession starts the default shell during Initialize.
	WarmDefaultSession bool
	// Servers are registered during Initialize.
	Servers []mcp.ServerSpec
	// AutoConnect connects every registered server during Initialize.
	AutoConnect bool
	Logger      *zap.Logger
}

// Registry is the capability catalog plus dispatch over the subsystems.
type Registry struct {
	catalog []Capability
	subs    Subsystems
	opts    Options
	logger  *zap.Logger

	// lifecycleMu serializes Initialize and Cleanup.
	lifecycleMu sync.Mutex
	initialized bool

	statsMu sync.Mutex
	usage   map[string]*Usage
}

// Usage counts invocations of one capability.
type Usage struct {
	Invocations int64     `json:"invocations"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
}

// New builds a registry over subs with the fixed catalog.
func New(subs Subsystems, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	catalog := defaultCatalog()
	usage := make(map[string]*Usage, len(catalog))
	for _, c := range catalog {
		usage[c.Name] = &Usage{}
	}
	return &Registry{
		catalog: catalog,
		subs:    subs,
		opts:    opts,
		logger:  logger.Named("capability"),
		usage:   usage,
	}
}

// Catalog returns a copy of the capability catalog.
func (r *Registry) Catalog() []Capability {
	return append([]Capability(nil), r.catalog...)
}

// Lookup returns one catalog entry.
func (r *Registry) Lookup(name string) (Capability, bool) {
	for _, c := range r.catalog {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

func (r *Registry) available() []string {
	var out []string
	if r.subs.Permissions != nil {
		out = append(out, SubsystemPermissions)
	}
	if r.subs.Shells != nil {
		out = append(out, SubsystemShell)
	}
	if r.subs.Files != nil {
		out = append(out, SubsystemFiles)
	}
	if r.subs.Servers != nil {
		out = append(out, SubsystemServers)
	}
	return out
}

// ValidateDependencies reports every capability whose declared subsystem is
// not wired. It is a static check; Invoke does not consult it.
func (r *Registry) ValidateDependencies() []DependencyProblem {
	return checkDependencies(r.catalog, r.available())
}

// Initialize validates dependencies, optionally warms the default shell,
// registers configured servers and auto-connects them. Every step is
// attempted; failures are aggregated. A second call is a no-op until
// Cleanup runs.
func (r *Registry) Initialize(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.initialized {
		return nil
	}
	r.initialized = true

	cid := uuid.NewString()
	var errs error
	for _, p := range r.ValidateDependencies() {
		errs = multierr.Append(errs, fmt.Errorf("capability %s: missing subsystem %s", p.Capability, p.Missing))
	}

	if r.opts.WarmDefaultSession && r.subs.Shells != nil {
		if _, err := r.subs.Shells.DefaultSession(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("warm default session: %w", err))
		}
	}

	if r.subs.Servers != nil {
		for _, spec := range r.opts.Servers {
			if _, err := r.subs.Servers.RegisterServer(spec); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("register server %s: %w", spec.Name, err))
			}
		}
		if r.opts.AutoConnect {
			if _, err := r.subs.Servers.ConnectAll(ctx, cid); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}

	if errs != nil {
		r.logger.Warn("Initialization finished with errors",
			zap.String("correlation_id", cid),
			zap.Error(errs))
	} else {
		r.logger.Info("Initialized", zap.String("correlation_id", cid))
	}
	return errs
}

// Cleanup tears down shells and tool servers. Each subsystem is attempted
// even when another fails, and calling it again is safe. The grant ledger
// is kept for audit.
func (r *Registry) Cleanup(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	r.initialized = false

	var errs error
	if r.subs.Shells != nil {
		errs = multierr.Append(errs, r.cleanupStep(SubsystemShell, func() error {
			return r.subs.Shells.Cleanup()
		}))
	}
	if r.subs.Servers != nil {
		errs = multierr.Append(errs, r.cleanupStep(SubsystemServers, func() error {
			return r.subs.Servers.Cleanup(ctx)
		}))
	}
	return errs
}

func (r *Registry) cleanupStep(name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("cleanup %s panicked: %v", name, p)
		}
		if err != nil {
			r.logger.Warn("Cleanup step failed", zap.String("subsystem", name), zap.Error(err))
		}
	}()
	return fn()
}

func (r *Registry) record(capability string, success bool) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	u, ok := r.usage[capability]
	if !ok {
		return
	}
	u.Invocations++
	if success {
		u.Successes++
	} else {
		u.Failures++
	}
	u.LastUsedAt = time.Now()
}
