package model

import (
	"fmt"
	"slices"
	"strings"
)

// ToolName is the closed set of tools a scan can schedule.
type ToolName string

const (
	ToolPortScan     ToolName = "port-scan"
	ToolWebVuln      ToolName = "web-vuln"
	ToolTemplateScan ToolName = "template-scan"
	ToolDirBrute     ToolName = "dir-brute"
	ToolSQLInjection ToolName = "sql-injection"
	ToolTLSInspect   ToolName = "tls-inspect"
)

var allTools = []ToolName{
	ToolPortScan,
	ToolWebVuln,
	ToolTemplateScan,
	ToolDirBrute,
	ToolSQLInjection,
	ToolTLSInspect,
}

// AllTools returns every known tool in canonical order.
func AllTools() []ToolName {
	return slices.Clone(allTools)
}

// Valid reports whether t is a known tool.
func (t ToolName) Valid() bool {
	return slices.Contains(allTools, t)
}

func (t ToolName) order() int {
	return slices.Index(allTools, t)
}

// ParseToolName converts user input into a ToolName.
func ParseToolName(s string) (ToolName, error) {
	t := ToolName(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, s)
	}
	return t, nil
}

// SortTools orders tools canonically and drops duplicates.
func SortTools(tools []ToolName) []ToolName {
	out := slices.Clone(tools)
	slices.SortFunc(out, func(a, b ToolName) int {
		if a.order() != b.order() {
			return a.order() - b.order()
		}
		return strings.Compare(string(a), string(b))
	})
	return slices.Compact(out)
}

// ScanType selects how the tool set of a profile is derived.
type ScanType string

const (
	ScanQuick  ScanType = "quick"
	ScanFull   ScanType = "full"
	ScanCustom ScanType = "custom"
)

// ScanProfile declares which tools run and with which options.
type ScanProfile struct {
	ScanType    ScanType                       `json:"scan_type"`
	Tools       []ToolName                     `json:"tools"`
	ToolOptions map[ToolName]map[string]string `json:"tool_options"`
}

// Resolve returns a copy of the profile with the preset tool set applied
// for quick and full scans and the tool list normalized.
func (p ScanProfile) Resolve() ScanProfile {
	out := p
	switch p.ScanType {
	case ScanQuick:
		out.Tools = []ToolName{ToolPortScan, ToolTLSInspect}
	case ScanFull:
		out.Tools = AllTools()
	default:
		out.Tools = SortTools(p.Tools)
	}
	return out
}

// Validate checks the scan type, every tool name and every option key.
func (p ScanProfile) Validate() error {
	switch p.ScanType {
	case ScanQuick, ScanFull:
	case ScanCustom:
		if len(p.Tools) == 0 {
			return fmt.Errorf("%w: custom profile must select at least one tool", ErrInvalidProfile)
		}
	default:
		return fmt.Errorf("%w: unknown scan type %q", ErrInvalidProfile, p.ScanType)
	}

	for _, t := range p.Tools {
		if !t.Valid() {
			return fmt.Errorf("%w: %w: %q", ErrInvalidProfile, ErrUnknownTool, t)
		}
	}
	for t := range p.ToolOptions {
		if !t.Valid() {
			return fmt.Errorf("%w: options for %w %q", ErrInvalidProfile, ErrUnknownTool, t)
		}
	}
	return nil
}

// Options returns the options configured for a tool, never nil.
func (p ScanProfile) Options(t ToolName) map[string]string {
	if opts, ok := p.ToolOptions[t]; ok && opts != nil {
		return opts
	}
	return map[string]string{}
}

// SetOption sets a single tool option, allocating maps as needed.
func (p *ScanProfile) SetOption(t ToolName, key, value string) {
	if p.ToolOptions == nil {
		p.ToolOptions = make(map[ToolName]map[string]string)
	}
	if p.ToolOptions[t] == nil {
		p.ToolOptions[t] = make(map[string]string)
	}
	p.ToolOptions[t][key] = value
}
