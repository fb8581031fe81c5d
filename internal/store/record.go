// Package store owns the persisted server record: the domain model shared
// across the daemon and its single-table sqlite persistence.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a managed server.
type State string

const (
	StateCreating      State = "creating"
	StateInstalling    State = "installing"
	StateInstallFailed State = "install_failed"
	StateInstalled     State = "installed"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateUpdating      State = "updating"
	StateUpdateFailed  State = "update_failed"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateErrored       State = "errored"
	StateDeleting      State = "deleting"
)

// Variable is a panel-defined template variable.
type Variable struct {
	Name         string  `json:"name"`
	DefaultValue string  `json:"defaultValue"`
	CurrentValue *string `json:"currentValue,omitempty"`
	Rules        string  `json:"rules"`
}

// Value returns the effective value: currentValue when set, else the default.
func (v Variable) Value() string {
	if v.CurrentValue != nil {
		return *v.CurrentValue
	}
	return v.DefaultValue
}

// InstallSpec describes the one-shot installer for a server's unit.
type InstallSpec struct {
	Image      string `json:"image"`
	Entrypoint string `json:"entrypoint,omitempty"`
	Script     string `json:"script"`
}

// Allocation is the address/port pair bound for both TCP and UDP.
type Allocation struct {
	BindAddress string `json:"bindAddress"`
	Port        int    `json:"port"`
}

// ConfigFile is a unit config file materialized into the server volume.
type ConfigFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// CargoProperties is cargo metadata. Only ReadOnly affects daemon behavior;
// the rest is forwarded for the panel's benefit.
type CargoProperties struct {
	ReadOnly         bool           `json:"readonly,omitempty"`
	Hidden           bool           `json:"hidden,omitempty"`
	NoDelete         bool           `json:"noDelete,omitempty"`
	CustomProperties map[string]any `json:"customProperties,omitempty"`
}

// CargoFile is an auxiliary file fetched from a URL into the volume.
type CargoFile struct {
	URL        string          `json:"url"`
	TargetPath string          `json:"targetPath"`
	Properties CargoProperties `json:"properties"`
}

// FileManifest is the content of the config_files column: the unit's
// materialized config files plus shipped cargo metadata.
type FileManifest struct {
	Files []ConfigFile `json:"files,omitempty"`
	Cargo []CargoFile  `json:"cargo,omitempty"`
}

// Server is the unit of persistence, one row per managed server.
type Server struct {
	ID             string       `db:"id" json:"id"`
	ContainerID    *string      `db:"docker_id" json:"containerId,omitempty"`
	Name           string       `db:"name" json:"name"`
	Image          string       `db:"image" json:"image"`
	State          State        `db:"state" json:"state"`
	MemoryLimit    int64        `db:"memory_limit" json:"memoryLimit"`
	CPULimit       float64      `db:"cpu_limit" json:"cpuLimit"`
	Variables      Variables    `db:"variables" json:"variables"`
	StartupCommand string       `db:"startup_command" json:"startupCommand"`
	Install        InstallJSON  `db:"install_script" json:"install"`
	Allocation     AllocJSON    `db:"allocation" json:"allocation"`
	Files          ManifestJSON `db:"config_files" json:"files"`
	SftpEnabled    bool         `db:"sftp_enabled" json:"sftpEnabled"`
}

// HasContainer reports whether a runtime container id is recorded.
func (s *Server) HasContainer() bool {
	return s.ContainerID != nil && *s.ContainerID != ""
}

// JSON column wrappers. sqlite stores these as TEXT; the wrappers give
// sqlx a Valuer/Scanner pair per column.

// Variables is the variables JSON column.
type Variables []Variable

func (v Variables) Value() (driver.Value, error)  { return jsonValue(v) }
func (v *Variables) Scan(src any) error           { return jsonScan(src, v) }

// InstallJSON is the install_script JSON column.
type InstallJSON InstallSpec

func (v InstallJSON) Value() (driver.Value, error) { return jsonValue(v) }
func (v *InstallJSON) Scan(src any) error          { return jsonScan(src, v) }

// AllocJSON is the allocation JSON column.
type AllocJSON Allocation

func (v AllocJSON) Value() (driver.Value, error) { return jsonValue(v) }
func (v *AllocJSON) Scan(src any) error          { return jsonScan(src, v) }

// ManifestJSON is the config_files JSON column.
type ManifestJSON FileManifest

func (v ManifestJSON) Value() (driver.Value, error) { return jsonValue(v) }
func (v *ManifestJSON) Scan(src any) error          { return jsonScan(src, v) }

func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(src, dst any) error {
	switch s := src.(type) {
	case nil:
		return nil
	case string:
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), dst)
	case []byte:
		if len(s) == 0 {
			return nil
		}
		return json.Unmarshal(s, dst)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}
