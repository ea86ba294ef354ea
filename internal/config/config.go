// Package config loads the core's Config collaborator (spec.md §6): a
// listening address, a per-Conn buffer size, a routing Multiplexer, and an
// optional control API handle. It is read from a TOML file when present,
// falling back to the two-positional-argument Fixed-mode invocation,
// exactly as the original config.rs/cmdline.rs pair did.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/darkprokoba/tnexus/internal/multiplex"
)

const defaultBufSize = 1 << 20

// reserved multiplex-table keys that are not SNI hostname entries.
const (
	keySniMissing        = "sni_missing"
	keyAPIKey            = "api_key"
	keyAPICert           = "api_cert"
	keyAPIAuthorizedCert = "api_authorized_cert"
)

// APIConfig carries the mutual-TLS material for the optional control API.
// Its lifetime, once started, is tied to the Nexus that owns it (spec.md
// §6).
type APIConfig struct {
	KeyFile            string
	CertFile           string
	AuthorizedCertFile string
}

// Config is everything the reactor and, optionally, the control API need
// to start.
type Config struct {
	BufSize    int
	ListenAddr string
	Mux        multiplex.Multiplexer
	API        *APIConfig
	LogFormat  string
}

// tomlFile mirrors the schema documented in spec.md §6.
type tomlFile struct {
	Global struct {
		BufSize int `toml:"bufsize"`
	} `toml:"global"`
	Listen []tomlListen `toml:"listen"`
}

type tomlListen struct {
	Name        string            `toml:"name"`
	Endpoint    string            `toml:"endpoint"`
	Destination string            `toml:"destination"`
	Multiplex   map[string]string `toml:"multiplex"`
}

// Load resolves the Config from path if it exists, else falls back to the
// two positional CLI arguments listen_ip:port destination_ip:port that
// build a Fixed multiplexer. args should be the process's arguments
// excluding argv[0].
func Load(path string, args []string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		return fromArgs(args)
	}
	return fromTOML(data)
}

func fromArgs(args []string) (*Config, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("config: usage: tnexus listen_ip:port destination_ip:port (no config file found)")
	}
	return &Config{
		BufSize:    defaultBufSize,
		ListenAddr: args[0],
		Mux:        multiplex.NewFixed(args[1]),
		LogFormat:  "plain",
	}, nil
}

func fromTOML(data []byte) (*Config, error) {
	var f tomlFile
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("config: parse toml: %w", err)
	}

	bufSize := f.Global.BufSize
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}

	if len(f.Listen) == 0 {
		return nil, errors.New("config: [[listen]] section not found in config file")
	}
	// Only the first listening endpoint is honored; a fleet of Nexus
	// reactors sharing one process is future work, not this core's scope.
	entry := f.Listen[0]

	cfg := &Config{
		BufSize:    bufSize,
		ListenAddr: entry.Endpoint,
		LogFormat:  "plain",
	}
	if cfg.ListenAddr == "" {
		return nil, errors.New("config: [[listen]] entry missing required \"endpoint\"")
	}

	if entry.Multiplex == nil {
		if entry.Destination == "" {
			return nil, fmt.Errorf("config: listen %q has neither \"destination\" nor [listen.multiplex]", entry.Name)
		}
		cfg.Mux = multiplex.NewFixed(entry.Destination)
		return cfg, nil
	}

	mux, api, errs := parseMultiplex(entry.Multiplex)
	if errs != nil {
		return nil, fmt.Errorf("config: listen %q: %w", entry.Name, errs)
	}
	cfg.Mux = mux
	cfg.API = api
	return cfg, nil
}

// parseMultiplex splits a [listen.multiplex] table into the SNI routing
// table proper and the reserved sni_missing/api_* keys.
func parseMultiplex(table map[string]string) (*multiplex.SNI, *APIConfig, error) {
	var errs []error

	def, ok := table[keySniMissing]
	if !ok || def == "" {
		errs = append(errs, fmt.Errorf("missing required %q default backend", keySniMissing))
	}

	sni := make(map[string]string, len(table))
	for key, value := range table {
		switch key {
		case keySniMissing, keyAPIKey, keyAPICert, keyAPIAuthorizedCert:
			continue
		default:
			sni[strings.ToLower(key)] = value
		}
	}

	var api *APIConfig
	key, hasKey := table[keyAPIKey]
	cert, hasCert := table[keyAPICert]
	authCert, hasAuthCert := table[keyAPIAuthorizedCert]
	switch {
	case hasKey || hasCert || hasAuthCert:
		if !hasKey || !hasCert || !hasAuthCert {
			errs = append(errs, fmt.Errorf("control API requires all of %q, %q, %q together", keyAPIKey, keyAPICert, keyAPIAuthorizedCert))
		} else {
			api = &APIConfig{KeyFile: key, CertFile: cert, AuthorizedCertFile: authCert}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}
	return multiplex.NewSNI(def, sni), api, nil
}
