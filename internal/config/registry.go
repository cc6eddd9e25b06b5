package config

import (
	"strings"
	"sync"

	logx "relwatch/pkg/logx"
)

// Registry resolves effective settings per entity by matching the entity's
// hostname to a group layer before delegating to Resolve.
type Registry struct {
	global *SettingsOverride
	groups map[string]*SettingsOverride
	log    logx.Logger

	mu     sync.Mutex
	warned map[string]struct{}
}

func NewRegistry(cfg *Config, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{log: log, groups: map[string]*SettingsOverride{}, warned: map[string]struct{}{}}
	if cfg != nil {
		r.global = cfg.Settings
		for key, g := range cfg.Groups {
			key = strings.ToLower(strings.TrimSpace(key))
			if key == "" {
				continue
			}
			r.groups[key] = g.Settings
		}
	}
	return r
}

// ResolveFor merges the entity's settings with its group (if its hostname
// matches one), the global layer and the defaults. Unrecognized download-type
// strings are kept (they map to the most permissive type) and warned about
// once per entity, not on every trigger firing.
func (r *Registry) ResolveFor(e Entity) Settings {
	group := r.groups[r.matchGroup(e.Domain())]
	s, unknown := ResolveDetail(e.Settings, group, r.global)
	for _, u := range unknown {
		r.warnOnce(e.Key(), u)
	}
	return s
}

func (r *Registry) warnOnce(entityKey, typ string) {
	key := entityKey + "\x00" + typ
	r.mu.Lock()
	_, seen := r.warned[key]
	r.warned[key] = struct{}{}
	r.mu.Unlock()
	if seen {
		return
	}
	r.log.Warn("unknown download type; treating as available",
		logx.String("entity", entityKey), logx.String("type", typ))
}

// matchGroup returns the group key whose suffix matches host at a dot
// boundary. The longest (most specific) match wins; "" means no group.
func (r *Registry) matchGroup(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}
	best := ""
	for key := range r.groups {
		if host != key && !strings.HasSuffix(host, "."+key) {
			continue
		}
		if len(key) > len(best) {
			best = key
		}
	}
	return best
}
