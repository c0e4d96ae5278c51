package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jamesruggles/aegis/internal/config"
	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/tlsinspect"
	"github.com/jamesruggles/aegis/internal/tools"
)

// LineFunc receives output lines while a tool runs. It may be called from
// several goroutines.
type LineFunc func(tools.OutputLine)

// Adapter runs one external tool and normalizes its output.
type Adapter interface {
	Name() model.ToolName
	IsAvailable() bool
	BuildArguments(target model.Target, opts map[string]string) ([]string, error)
	Execute(ctx context.Context, target model.Target, opts map[string]string, onLine LineFunc) model.ToolResult
}

// AdapterConfig carries the per-tool execution settings.
type AdapterConfig struct {
	Path      string
	PathErr   error
	Timeout   time.Duration
	MaxOutput int
	KillGrace time.Duration
	Wordlist  string
}

// Registry binds tool names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.ToolName]Adapter
}

// NewRegistry returns a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[model.ToolName]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register binds an adapter to its tool name, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter bound to name.
func (r *Registry) Get(name model.ToolName) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered tools in canonical order.
func (r *Registry) Names() []model.ToolName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]model.ToolName, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return model.SortTools(names)
}

// toolBinaries maps each process-backed tool to its config key and the
// program it runs.
var toolBinaries = map[model.ToolName]struct {
	key        string
	binary     string
	versionArg string
}{
	model.ToolPortScan:     {"nmap", "nmap", "--version"},
	model.ToolWebVuln:      {"nikto", "nikto", "-Version"},
	model.ToolTemplateScan: {"nuclei", "nuclei", "-version"},
	model.ToolDirBrute:     {"gobuster", "gobuster", "version"},
	model.ToolSQLInjection: {"sqlmap", "sqlmap", "--version"},
}

// ConfigKey returns the key under tools: in the config file for a tool.
func ConfigKey(name model.ToolName) string {
	if name == model.ToolTLSInspect {
		return "tls"
	}
	return toolBinaries[name].key
}

// AdapterConfigFor extracts the settings of one tool from cfg.
func AdapterConfigFor(cfg *config.Config, name model.ToolName) AdapterConfig {
	key := ConfigKey(name)
	path, pathErr := cfg.ToolPath(key)
	return AdapterConfig{
		Path:      path,
		PathErr:   pathErr,
		Timeout:   cfg.ToolTimeout(key),
		MaxOutput: cfg.MaxOutputBytes(),
		KillGrace: cfg.KillGrace(),
		Wordlist:  cfg.ToolWordlist(key),
	}
}

// DefaultRegistry binds every known tool to its adapter.
func DefaultRegistry(cfg *config.Config, logger *slog.Logger) *Registry {
	reg := NewRegistry()
	for _, name := range model.AllTools() {
		ac := AdapterConfigFor(cfg, name)
		switch name {
		case model.ToolTLSInspect:
			reg.Register(NewTLSAdapter(tlsinspect.New(tlsinspect.DefaultTimeout, logger), ac.Timeout, logger))
		default:
			reg.Register(NewProcessAdapter(name, ac, logger))
		}
	}
	return reg
}

// ToolBinaries lists the external programs behind the registered process
// adapters, for availability reporting.
func ToolBinaries(cfg *config.Config) []tools.Binary {
	var bins []tools.Binary
	for _, name := range model.AllTools() {
		b, ok := toolBinaries[name]
		if !ok {
			continue
		}
		path, pathErr := cfg.ToolPath(b.key)
		bins = append(bins, tools.Binary{
			Name:       string(name),
			Binary:     b.binary,
			Configured: path,
			ConfigErr:  pathErr,
			VersionArg: b.versionArg,
		})
	}
	return bins
}

func unknownOption(tool model.ToolName, key string) error {
	return fmt.Errorf("unknown option %q for %s", key, tool)
}
