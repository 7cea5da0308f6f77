package gateway

import (
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/runtime-gateway/internal/config"
	"github.com/wudi/runtime-gateway/internal/logging"
)

// ReloadResult describes the outcome of a configuration reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Changes   []string  `json:"changes,omitempty"`
	Ignored   []string  `json:"ignored,omitempty"` // sections that need a restart
	Error     string    `json:"error,omitempty"`
}

// Reload applies newCfg. Only the static service table is reconciled at
// runtime; changes to any other section are reported and left for the next
// restart. Registered previews are never touched.
func (g *Gateway) Reload(newCfg *config.Config) ReloadResult {
	result := ReloadResult{Timestamp: time.Now()}

	g.mu.Lock()
	defer g.mu.Unlock()

	synced, err := g.lifecycle.SyncServices(newCfg.Services)
	for _, name := range synced.Added {
		result.Changes = append(result.Changes, "service added: "+name)
	}
	for _, name := range synced.Updated {
		result.Changes = append(result.Changes, "service updated: "+name)
	}
	for _, name := range synced.Removed {
		result.Changes = append(result.Changes, "service removed: "+name)
	}
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Ignored = restartRequired(g.config, newCfg)
	if len(result.Ignored) > 0 {
		logging.Warn("Config changes require a restart",
			zap.Strings("sections", result.Ignored),
		)
	}

	next := *g.config
	next.Services = newCfg.Services
	g.config = &next

	result.Success = true
	return result
}

// restartRequired lists the top-level sections, other than services, that
// differ between oldCfg and newCfg.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	sections := map[string][2]any{
		"listener":        {oldCfg.Listener, newCfg.Listener},
		"admin":           {oldCfg.Admin, newCfg.Admin},
		"default_service": {oldCfg.DefaultService, newCfg.DefaultService},
		"preview":         {oldCfg.Preview, newCfg.Preview},
		"rules":           {oldCfg.Rules, newCfg.Rules},
		"health_check":    {oldCfg.HealthCheck, newCfg.HealthCheck},
		"registry":        {oldCfg.Registry, newCfg.Registry},
		"transport":       {oldCfg.Transport, newCfg.Transport},
		"websocket":       {oldCfg.WebSocket, newCfg.WebSocket},
		"security":        {oldCfg.Security, newCfg.Security},
		"redis":           {oldCfg.Redis, newCfg.Redis},
		"logging":         {oldCfg.Logging, newCfg.Logging},
		"tracing":         {oldCfg.Tracing, newCfg.Tracing},
		"shutdown":        {oldCfg.Shutdown, newCfg.Shutdown},
	}

	var changed []string
	for name, pair := range sections {
		if !reflect.DeepEqual(pair[0], pair[1]) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// appendReloadHistory appends a result and keeps last 50 entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > 50 {
		history = history[len(history)-50:]
	}
	return history
}
