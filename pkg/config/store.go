package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"

	"github.com/waypt/navcore/pkg"
)

const (
	keyRouterKind         = "router_kind"
	keyDisclaimerAccepted = "routing_disclaimer_accepted"
)

// Store is the persisted key/value collaborator for user choices that must
// survive restarts. Writes go through to disk immediately.
type Store struct {
	mu   sync.Mutex
	v    *viper.Viper
	path string
}

// NewStore opens (or creates) the persisted state file at path.
func NewStore(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault(keyRouterKind, string(pkg.RouterVehicle))
	v.SetDefault(keyDisclaimerAccepted, false)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
			}
		}
	}
	return &Store{v: v, path: path}, nil
}

// RouterKind returns the last used router kind.
func (s *Store) RouterKind() pkg.RouterKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch k := pkg.RouterKind(s.v.GetString(keyRouterKind)); k {
	case pkg.RouterVehicle, pkg.RouterPedestrian, pkg.RouterBicycle, pkg.RouterTransit:
		return k
	default:
		return pkg.RouterVehicle
	}
}

// SetRouterKind persists the router kind.
func (s *Store) SetRouterKind(kind pkg.RouterKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set(keyRouterKind, string(kind))
	return s.write()
}

// DisclaimerAccepted reports whether the routing disclaimer has been accepted.
func (s *Store) DisclaimerAccepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v.GetBool(keyDisclaimerAccepted)
}

// AcceptDisclaimer persists the disclaimer acceptance.
func (s *Store) AcceptDisclaimer() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set(keyDisclaimerAccepted, true)
	return s.write()
}

func (s *Store) write() error {
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to persist state file %s: %w", s.path, err)
	}
	return nil
}
