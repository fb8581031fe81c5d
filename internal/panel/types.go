package panel

import (
	"fmt"

	"github.com/argon-foss/krypton/internal/store"
)

// ServerConfig is the panel's authoritative description of a server. It is
// fetched on create and on unit-changed updates and feeds the template
// engine, the installer, and the persisted record.
type ServerConfig struct {
	Name  string `json:"name"`
	Image string `json:"image"`
	// MemoryLimit is in bytes, as everywhere on the wire.
	MemoryLimit    int64              `json:"memoryLimit"`
	CPULimit       float64            `json:"cpuLimit"`
	StartupCommand string             `json:"startupCommand"`
	Variables      []store.Variable   `json:"variables"`
	Install        store.InstallSpec  `json:"install"`
	Allocation     store.Allocation   `json:"allocation"`
	ConfigFiles    []store.ConfigFile `json:"configFiles"`
	Cargo          []store.CargoFile  `json:"cargo"`
	SftpEnabled    bool               `json:"sftpEnabled"`
}

// ValidatedServer is the server identity the panel returns with a
// successful token validation.
type ValidatedServer struct {
	ID         string        `mapstructure:"id"`
	Name       string        `mapstructure:"name"`
	InternalID string        `mapstructure:"internalId"`
	Node       ValidatedNode `mapstructure:"node"`
}

// ValidatedNode identifies the node the panel believes owns the server.
type ValidatedNode struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	FQDN string `mapstructure:"fqdn"`
	Port int    `mapstructure:"port"`
}

// ValidateResult is the outcome of a token validation. A failed call is an
// unvalidated result, never an error; callers close the socket.
type ValidateResult struct {
	Validated bool
	Server    ValidatedServer
}

// UnavailableError means the panel could not be reached after every
// configured attempt.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("panel unavailable: %s", e.Err)
	}
	return "panel unavailable"
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}
