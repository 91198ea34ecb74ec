// Package configstore persists the server's small set of top-level
// documents — Settings, Vessel identity, Security, and per-plugin
// configuration blobs — behind a storage-shape-agnostic capability
// trait. Callers never see a file path or a database handle: every
// operation is a self-contained load/save by record kind, so the
// interception chain, the HTTP layer, and cmd/signalkd can all use it
// without carrying open resources across calls.
package configstore

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound means the record has never been saved. Callers supply a
// zero-value default rather than treating this as a failure.
var ErrNotFound = errors.New("configstore: record not found")

// ErrCorrupt means a record exists but could not be decoded. This
// bubbles to the operator rather than being silently defaulted, since
// it usually means on-disk or database corruption.
var ErrCorrupt = errors.New("configstore: record corrupt")

// CorruptError wraps a decode failure with the record's storage key.
type CorruptError struct {
	Key string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("configstore: %s corrupt: %v", e.Key, e.Err)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrCorrupt, e.Err} }

// Settings is the top-level server settings document: listen ports,
// interfaces, mDNS, and the pruning sweep interval.
type Settings struct {
	Port                 int  `json:"port"`
	SSLPort              int  `json:"sslPort,omitempty"`
	Interfaces           Interfaces `json:"interfaces"`
	PruneContextsMinutes int  `json:"pruneContextsMinutes"`
	MDNS                 bool `json:"mdns"`
}

// Interfaces toggles optional server subsystems.
type Interfaces struct {
	Plugins bool `json:"plugins"`
}

// DefaultSettings is used when no Settings record has ever been saved.
func DefaultSettings() Settings {
	return Settings{
		Port:                 3000,
		PruneContextsMinutes: 60,
		MDNS:                 true,
	}
}

// Vessel is the boot-time identity record. UUID is the authoritative
// source of the store's self vessel URN across restarts.
type Vessel struct {
	UUID   string  `json:"uuid"`
	Name   string  `json:"name,omitempty"`
	MMSI   string  `json:"mmsi,omitempty"`
	Draft  float64 `json:"draft,omitempty"`
	Length float64 `json:"length,omitempty"`
	Beam   float64 `json:"beam,omitempty"`
}

// User is one local account record. PasswordHash is a bcrypt digest;
// this package stores and hashes credentials but enforces no
// login/session-auth itself — that is an HTTP-layer concern this
// server does not implement.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"`
}

// SetPassword replaces PasswordHash with a bcrypt digest of password.
func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	u.PasswordHash = string(hash)
	return nil
}

// VerifyPassword reports whether password matches PasswordHash.
func (u *User) VerifyPassword(password string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password))
	return err == nil
}

// Security is the access-control document.
type Security struct {
	AllowNewUserRegistration  bool   `json:"allowNewUserRegistration"`
	AllowDeviceAccessRequests bool   `json:"allowDeviceAccessRequests"`
	Users                     []User `json:"users,omitempty"`
}

// Backend is the storage-shape-agnostic capability trait. Every
// operation is self-contained: there is no open/close lifecycle.
type Backend interface {
	LoadSettings() (Settings, error)
	SaveSettings(Settings) error

	LoadVessel() (Vessel, error)
	SaveVessel(Vessel) error

	LoadSecurity() (Security, error)
	SaveSecurity(Security) error

	LoadPluginConfig(id string, out any) error
	SavePluginConfig(id string, value any) error
}
