package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/tools"
)

func TestBuildNmapArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		target  model.Target
		opts    map[string]string
		want    []string
		wantErr bool
	}{
		{
			name:   "defaults with ports",
			target: model.Target{IP: "10.0.0.1", Ports: []int{80, 443}},
			want:   []string{"-T4", "-sT", "-p", "80,443", "10.0.0.1"},
		},
		{
			name:   "domain without ports",
			target: model.Target{Domain: "example.com"},
			want:   []string{"-T4", "-sT", "example.com"},
		},
		{
			name:   "host taken from url",
			target: model.Target{URL: "https://example.com/login"},
			want:   []string{"-T4", "-sT", "example.com"},
		},
		{
			name:   "service scan with port option and xml",
			target: model.Target{IP: "10.0.0.1", Ports: []int{22}},
			opts:   map[string]string{"scan_type": "service", "ports": "80-82", "timing": "3", "xml": "true"},
			want:   []string{"-T3", "-sV", "-p", "80,81,82", "-oX", "-", "10.0.0.1"},
		},
		{
			name:   "ping ignores ports",
			target: model.Target{IP: "10.0.0.1", Ports: []int{22}},
			opts:   map[string]string{"scan_type": "ping"},
			want:   []string{"-T4", "-sn", "10.0.0.1"},
		},
		{name: "bad scan type", target: model.Target{IP: "10.0.0.1"}, opts: map[string]string{"scan_type": "evil"}, wantErr: true},
		{name: "bad timing", target: model.Target{IP: "10.0.0.1"}, opts: map[string]string{"timing": "T9"}, wantErr: true},
		{name: "unknown option", target: model.Target{IP: "10.0.0.1"}, opts: map[string]string{"script": "all"}, wantErr: true},
		{name: "flag injection", target: model.Target{IP: "10.0.0.1"}, opts: map[string]string{"ports": "-1"}, wantErr: true},
		{name: "hostile host", target: model.Target{Domain: "example.com;rm"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			opts := tt.opts
			if opts == nil {
				opts = map[string]string{}
			}
			got, err := buildNmapArgs(tt.target, opts, AdapterConfig{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildArgsDeterministic(t *testing.T) {
	t.Parallel()

	target := model.Target{URL: "http://example.com"}
	opts := map[string]string{"level": "3", "risk": "2", "cookie": "session=abc"}
	first, err := buildSqlmapArgs(target, opts, AdapterConfig{})
	require.NoError(t, err)
	for range 20 {
		again, err := buildSqlmapArgs(target, opts, AdapterConfig{})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, []string{"-u", "http://example.com", "--batch", "--level", "3", "--risk", "2", "--cookie", "session=abc"}, first)
}

func TestBuildNiktoArgs(t *testing.T) {
	t.Parallel()

	got, err := buildNiktoArgs(model.Target{Domain: "example.com", Ports: []int{443}}, map[string]string{"tuning": "123b", "maxtime": "60m"}, AdapterConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"-h", "https://example.com", "-ask", "no", "-nointeractive", "-Tuning", "123b", "-maxtime", "60m"}, got)

	_, err = buildNiktoArgs(model.Target{Domain: "example.com"}, map[string]string{"tuning": "zz"}, AdapterConfig{})
	assert.Error(t, err)
	_, err = buildNiktoArgs(model.Target{Domain: "example.com"}, map[string]string{"port": "70000"}, AdapterConfig{})
	assert.Error(t, err)
}

func TestBuildNucleiArgs(t *testing.T) {
	t.Parallel()

	got, err := buildNucleiArgs(model.Target{URL: "https://example.com"}, map[string]string{"severity": "high,critical", "tags": "cve,exposure"}, AdapterConfig{})
	require.NoError(t, err)
	assert.Equal(t, []string{"-target", "https://example.com", "-silent", "-nc", "-severity", "high,critical", "-tags", "cve,exposure"}, got)

	_, err = buildNucleiArgs(model.Target{URL: "https://example.com"}, map[string]string{"severity": "severe"}, AdapterConfig{})
	assert.Error(t, err)
}

func TestBuildGobusterArgs(t *testing.T) {
	t.Parallel()

	target := model.Target{IP: "10.0.0.1"}

	_, err := buildGobusterArgs(target, map[string]string{}, AdapterConfig{})
	assert.Error(t, err, "no wordlist")

	got, err := buildGobusterArgs(target, map[string]string{"extensions": "php,txt"}, AdapterConfig{Wordlist: "/usr/share/wordlists/common.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dir", "-u", "http://10.0.0.1", "-w", "/usr/share/wordlists/common.txt", "-t", "10", "--no-color", "-q", "-x", "php,txt"}, got)

	got, err = buildGobusterArgs(target, map[string]string{"wordlist": "/tmp/words", "threads": "50"}, AdapterConfig{Wordlist: "/ignored"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/words", got[4])
	assert.Equal(t, "50", got[6])
}

func TestBuildSqlmapRejectsInjection(t *testing.T) {
	t.Parallel()

	_, err := buildSqlmapArgs(model.Target{URL: "http://example.com"}, map[string]string{"data": "--os-shell"}, AdapterConfig{})
	assert.ErrorIs(t, err, tools.ErrOptionInjection)

	_, err = buildSqlmapArgs(model.Target{URL: "http://example.com"}, map[string]string{"level": "9"}, AdapterConfig{})
	assert.Error(t, err)
}
