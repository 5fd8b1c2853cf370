package capability

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// HealthStatus is one subsystem's probe outcome.
type HealthStatus string

const (
	HealthOK          HealthStatus = "ok"
	HealthError       HealthStatus = "error"
	HealthUnavailable HealthStatus = "unavailable"
)

// SubsystemHealth is the probe report of one subsystem.
type SubsystemHealth struct {
	Status  HealthStatus `json:"status"`
	Error   string       `json:"error,omitempty"`
	Details any          `json:"details,omitempty"`
}

// HealthReport aggregates subsystem probes. Healthy is false iff some
// subsystem reports HealthError.
type HealthReport struct {
	Healthy    bool                       `json:"healthy"`
	Subsystems map[string]SubsystemHealth `json:"subsystems"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

type probe struct {
	name  string
	wired bool
	run   func() (any, error)
}

func (r *Registry) probes() []probe {
	return []probe{
		{SubsystemPermissions, r.subs.Permissions != nil, func() (any, error) {
			return r.subs.Permissions.Probe(), nil
		}},
		{SubsystemShell, r.subs.Shells != nil, func() (any, error) {
			return r.subs.Shells.Probe(), nil
		}},
		{SubsystemFiles, r.subs.Files != nil, func() (any, error) {
			if err := r.subs.Files.Probe(); err != nil {
				return nil, err
			}
			return r.subs.Files.Stats(), nil
		}},
		{SubsystemServers, r.subs.Servers != nil, func() (any, error) {
			return r.subs.Servers.Probe(), nil
		}},
	}
}

// Health probes every subsystem independently. A probe that fails or
// panics marks only its own subsystem as errored.
func (r *Registry) Health(ctx context.Context) HealthReport {
	return r.health(ctx, r.probes())
}

func (r *Registry) health(ctx context.Context, probes []probe) HealthReport {
	report := HealthReport{
		Healthy:    true,
		Subsystems: make(map[string]SubsystemHealth, len(probes)),
		CheckedAt:  time.Now(),
	}
	for _, p := range probes {
		var h SubsystemHealth
		switch {
		case !p.wired:
			h = SubsystemHealth{Status: HealthUnavailable}
		case ctx.Err() != nil:
			h = SubsystemHealth{Status: HealthError, Error: ctx.Err().Error()}
		default:
			h = runProbe(p)
		}
		if h.Status == HealthError {
			report.Healthy = false
			r.logger.Warn("Health probe failed", zap.String("subsystem", p.name), zap.String("error", h.Error))
		}
		report.Subsystems[p.name] = h
	}
	return report
}

func runProbe(p probe) (h SubsystemHealth) {
	defer func() {
		if rec := recover(); rec != nil {
			h = SubsystemHealth{Status: HealthError, Error: fmt.Sprintf("probe panicked: %v", rec)}
		}
	}()
	details, err := p.run()
	if err != nil {
		return SubsystemHealth{Status: HealthError, Error: err.Error()}
	}
	return SubsystemHealth{Status: HealthOK, Details: details}
}

// Stats is a read-only snapshot across the registry.
type Stats struct {
	TotalCapabilities   int              `json:"total_capabilities"`
	ByCategory          map[Category]int `json:"by_category"`
	ActiveGrants        int              `json:"active_grants"`
	ActiveSessions      int              `json:"active_sessions"`
	RegisteredServers   int              `json:"registered_servers"`
	ConnectedServers    int              `json:"connected_servers"`
	DiscoveredTools     int              `json:"discovered_tools"`
	DiscoveredResources int              `json:"discovered_resources"`
	Usage               map[string]Usage `json:"usage"`
}

// Stats returns counts across the catalog and every wired subsystem.
func (r *Registry) Stats() Stats {
	st := Stats{
		TotalCapabilities: len(r.catalog),
		ByCategory:        make(map[Category]int),
		Usage:             make(map[string]Usage, len(r.catalog)),
	}
	for _, c := range r.catalog {
		st.ByCategory[c.Category]++
	}
	if r.subs.Permissions != nil {
		st.ActiveGrants = r.subs.Permissions.Probe().TotalGrants
	}
	if r.subs.Shells != nil {
		st.ActiveSessions = r.subs.Shells.Probe().AliveSessions
	}
	if r.subs.Servers != nil {
		ms := r.subs.Servers.Stats()
		st.RegisteredServers = ms.TotalServers
		st.ConnectedServers = ms.ConnectedServers
		st.DiscoveredTools = ms.TotalTools
		st.DiscoveredResources = ms.TotalResources
	}

	r.statsMu.Lock()
	for name, u := range r.usage {
		st.Usage[name] = *u
	}
	r.statsMu.Unlock()
	return st
}
