package server

import (
	"context"
	"errors"

	"github.com/argon-foss/krypton/internal/console"
	"github.com/argon-foss/krypton/internal/docker"
	"github.com/argon-foss/krypton/internal/installer"
	"github.com/argon-foss/krypton/internal/panel"
	"github.com/argon-foss/krypton/internal/store"
	"github.com/argon-foss/krypton/internal/template"
)

// CreateRequest is the panel's request to provision a server on this node.
// Memory arrives in bytes, matching the persisted record.
type CreateRequest struct {
	ServerID        string
	ValidationToken string
	Name            string
	MemoryLimit     int64
	CPULimit        float64
	Allocation      store.Allocation
}

// UpdateRequest carries the mutable fields of a PATCH. Nil pointers leave
// the stored value alone. UnitChanged means the panel-side unit definition
// moved, so configuration is re-fetched instead of synthesized.
type UpdateRequest struct {
	ID             string
	Name           *string
	Image          *string
	MemoryLimit    *int64
	CPULimit       *float64
	StartupCommand *string
	Variables      []store.Variable
	Allocation     *store.Allocation
	UnitChanged    bool
}

// LiveStatus is the live container state attached to detail reads.
type LiveStatus struct {
	Running   bool   `json:"running"`
	ExitCode  int    `json:"exitCode"`
	OOMKilled bool   `json:"oomKilled,omitempty"`
	StartedAt string `json:"startedAt,omitempty"`
}

// Detail is a record augmented with live container status and the recent
// console tail.
type Detail struct {
	store.Server
	Status *LiveStatus `json:"status,omitempty"`
	Logs   []string    `json:"logs"`
}

// Create inserts the record and answers immediately; fetching panel
// configuration, installing, and starting the runtime all continue in the
// background. Failures surface through the persisted state and the
// session broadcast, never through this call.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*store.Server, error) {
	unlock := m.lock(req.ServerID)
	defer unlock()

	rec := &store.Server{
		ID:          req.ServerID,
		Name:        req.Name,
		State:       store.StateCreating,
		MemoryLimit: req.MemoryLimit,
		CPULimit:    req.CPULimit,
		Allocation:  store.AllocJSON(req.Allocation),
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	log := logWithServer(req.ServerID)
	log.Info().Str("name", req.Name).Msg("Server record created")

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		m.provision(context.Background(), req.ServerID)
	}()
	return rec, nil
}

// provision is the async tail of Create.
func (m *Manager) provision(ctx context.Context, id string) {
	unlock := m.lock(id)
	defer unlock()

	log := logWithServer(id)
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Provisioning lost its record")
		return
	}

	cfg, err := m.panel.FetchConfig(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch server configuration")
		m.daemonf(id, "Could not fetch configuration from panel: %v", err)
		m.setState(ctx, id, store.StateInstallFailed)
		return
	}
	applyPanelConfig(rec, cfg)
	rec.State = store.StateInstalling
	if err := m.store.Save(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Could not persist fetched configuration")
		m.setState(ctx, id, store.StateInstallFailed)
		return
	}

	if err := m.install(ctx, rec); err != nil {
		m.daemonf(id, "Installation failed: %v", err)
		m.setState(ctx, id, store.StateInstallFailed)
		return
	}
	m.setState(ctx, id, store.StateInstalled)
	rec.State = store.StateInstalled
	m.daemonf(id, "Installation completed successfully")

	if err := m.startRuntime(ctx, rec); err != nil {
		log.Error().Err(err).Msg("Could not start runtime container")
		m.daemonf(id, "Could not start server: %v", err)
		m.setState(ctx, id, store.StateErrored)
		return
	}
	m.setState(ctx, id, store.StateRunning)
	m.daemonf(id, "Server is running")
}

// applyPanelConfig merges the panel snapshot into the record. Fields the
// create request set explicitly win; template inputs always come from the
// panel.
func applyPanelConfig(rec *store.Server, cfg *panel.ServerConfig) {
	rec.Image = cfg.Image
	rec.StartupCommand = cfg.StartupCommand
	rec.Variables = cfg.Variables
	rec.Install = store.InstallJSON(cfg.Install)
	rec.Files = store.ManifestJSON{Files: cfg.ConfigFiles, Cargo: cfg.Cargo}
	rec.SftpEnabled = cfg.SftpEnabled
	if rec.Name == "" {
		rec.Name = cfg.Name
	}
	if rec.MemoryLimit == 0 {
		rec.MemoryLimit = cfg.MemoryLimit
	}
	if rec.CPULimit == 0 {
		rec.CPULimit = cfg.CPULimit
	}
	if rec.Allocation.Port == 0 {
		rec.Allocation = store.AllocJSON(cfg.Allocation)
	}
}

// install stages the volume and runs the install script from the record.
// The caller owns the surrounding state transitions.
func (m *Manager) install(ctx context.Context, rec *store.Server) error {
	if _, err := m.ensureVolume(rec.ID); err != nil {
		return err
	}
	if err := m.materializeConfigFiles(rec); err != nil {
		return err
	}
	if err := m.shipCargo(ctx, rec, rec.Files.Cargo); err != nil {
		return err
	}
	script, err := template.Render(rec.Install.Script, rec.Variables, rec.Files.Cargo)
	if err != nil {
		return err
	}

	id := rec.ID
	return m.installer.Run(ctx, installer.Job{
		ServerID:     rec.ID,
		ServerName:   rec.Name,
		VolumeDir:    m.volumeDir(rec.ID),
		RuntimeImage: rec.Image,
		Install: store.InstallSpec{
			Image:      rec.Install.Image,
			Entrypoint: rec.Install.Entrypoint,
			Script:     script,
		},
		Variables:   rec.Variables,
		MemoryBytes: rec.MemoryLimit,
		Sink: func(line string) {
			m.announce(id, console.LogInfo, line)
		},
	})
}

// startRuntime creates and starts the runtime container, recording its id.
func (m *Manager) startRuntime(ctx context.Context, rec *store.Server) error {
	spec, err := m.runtimeSpec(rec)
	if err != nil {
		return err
	}
	cid, err := m.engine.CreateRuntimeContainer(ctx, spec)
	if err != nil {
		return err
	}
	rec.ContainerID = &cid
	if err := m.store.SetContainerID(ctx, rec.ID, &cid); err != nil {
		return err
	}
	m.setState(ctx, rec.ID, store.StateStarting)
	return m.engine.StartContainer(ctx, cid)
}

// updateStopSeconds is the shorter grace used when an update replaces a
// running container.
const updateStopSeconds = 10

// Update replaces the server's container with one built from the new
// configuration. The old container is removed up front and never restored;
// failures leave the record in UpdateFailed.
func (m *Manager) Update(ctx context.Context, id string, req UpdateRequest) (*store.Server, error) {
	if req.ID != "" && req.ID != id {
		return nil, &IDMismatchError{PathID: id, BodyID: req.ID}
	}
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.State {
	case store.StateRunning, store.StateStopped, store.StateInstalled,
		store.StateUpdateFailed, store.StateErrored:
	default:
		return nil, &InvalidTransitionError{Action: "update", From: rec.State}
	}

	m.setState(ctx, id, store.StateUpdating)
	prevImage := rec.Image

	fail := func(err error) (*store.Server, error) {
		m.setState(ctx, id, store.StateUpdateFailed)
		m.daemonf(id, "Update failed: %v", err)
		return nil, err
	}

	if req.UnitChanged {
		cfg, err := m.panel.FetchConfig(ctx, id)
		if err != nil {
			return fail(err)
		}
		applyPanelConfig(rec, cfg)
	} else {
		// Simple resource updates reuse the stored unit; config files
		// are not re-materialized.
		rec.Files.Files = nil
	}
	applyUpdateRequest(rec, req)

	if req.UnitChanged && rec.Image != prevImage {
		// Pull before touching the old container so a bad image leaves
		// the server untouched.
		if err := m.engine.PullImage(ctx, rec.Image); err != nil {
			return fail(err)
		}
	}

	if rec.HasContainer() {
		cid := *rec.ContainerID
		status, inspectErr := m.engine.InspectContainer(ctx, cid)
		if inspectErr == nil && status.Running {
			timeout := updateStopSeconds
			if err := m.engine.StopContainer(ctx, cid, &timeout); err != nil {
				return fail(err)
			}
		}
		if err := m.engine.RemoveContainer(ctx, cid, true, false); err != nil {
			return fail(err)
		}
		rec.ContainerID = nil
	}

	if req.UnitChanged {
		if err := m.materializeConfigFiles(rec); err != nil {
			return fail(err)
		}
		if err := m.shipCargo(ctx, rec, rec.Files.Cargo); err != nil {
			return fail(err)
		}
	}

	if err := m.startRuntime(ctx, rec); err != nil {
		return fail(err)
	}
	rec.State = store.StateRunning
	if err := m.store.Save(ctx, rec); err != nil {
		return fail(err)
	}
	m.daemonf(id, "Server updated and restarted")
	return rec, nil
}

// applyUpdateRequest overlays explicit request fields onto the record.
func applyUpdateRequest(rec *store.Server, req UpdateRequest) {
	if req.Name != nil {
		rec.Name = *req.Name
	}
	if req.Image != nil {
		rec.Image = *req.Image
	}
	if req.MemoryLimit != nil {
		rec.MemoryLimit = *req.MemoryLimit
	}
	if req.CPULimit != nil {
		rec.CPULimit = *req.CPULimit
	}
	if req.StartupCommand != nil {
		rec.StartupCommand = *req.StartupCommand
	}
	if req.Variables != nil {
		rec.Variables = req.Variables
	}
	if req.Allocation != nil {
		rec.Allocation = store.AllocJSON(*req.Allocation)
	}
}

// Reinstall discards the runtime container and re-runs the installer from
// the stored record. The runtime comes back on the next start action.
func (m *Manager) Reinstall(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch rec.State {
	case store.StateCreating, store.StateInstalling, store.StateUpdating, store.StateDeleting:
		return &InvalidTransitionError{Action: "reinstall", From: rec.State}
	}

	if rec.HasContainer() {
		if err := m.engine.RemoveContainer(ctx, *rec.ContainerID, true, false); err != nil {
			log := logWithServer(id)
			log.Warn().Err(err).Msg("Could not remove container before reinstall")
		}
	}
	rec.ContainerID = nil
	rec.State = store.StateInstalling
	if err := m.store.Save(ctx, rec); err != nil {
		return err
	}
	m.daemonf(id, "Reinstallation started")

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		m.runReinstall(context.Background(), id)
	}()
	return nil
}

func (m *Manager) runReinstall(ctx context.Context, id string) {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		log := logWithServer(id)
		log.Error().Err(err).Msg("Reinstall lost its record")
		return
	}
	if err := m.install(ctx, rec); err != nil {
		m.daemonf(id, "Reinstallation failed: %v", err)
		m.setState(ctx, id, store.StateInstallFailed)
		return
	}
	m.setState(ctx, id, store.StateInstalled)
	m.daemonf(id, "Reinstallation completed successfully")
}

// Delete tears the server down: container, volume, then record. Container
// failures are logged and swallowed so deletion stays idempotent; only a
// missing record reports an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	log := logWithServer(id)
	m.setState(ctx, id, store.StateDeleting)

	cid := ""
	if rec.HasContainer() {
		cid = *rec.ContainerID
	} else if found, findErr := m.engine.FindByServerID(ctx, id); findErr == nil {
		cid = found
	}
	if cid != "" {
		if err := m.engine.RemoveContainer(ctx, cid, true, true); err != nil {
			log.Warn().Err(err).Msg("Could not remove container during delete")
		}
	}
	if err := m.removeVolume(id); err != nil {
		log.Warn().Err(err).Msg("Could not remove volume during delete")
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.rings.Remove(id)
	log.Info().Msg("Server deleted")
	return nil
}

// Get returns the bare record.
func (m *Manager) Get(ctx context.Context, id string) (*store.Server, error) {
	return m.store.Get(ctx, id)
}

// List returns all records.
func (m *Manager) List(ctx context.Context) ([]store.Server, error) {
	return m.store.List(ctx)
}

// GetDetail returns the record plus live container status and the console
// tail. A missing container yields a nil status, not an error.
func (m *Manager) GetDetail(ctx context.Context, id string) (*Detail, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &Detail{
		Server: *rec,
		Logs:   m.rings.Ring(id).Tail(console.RingCapacity),
	}
	if rec.HasContainer() {
		status, inspectErr := m.engine.InspectContainer(ctx, *rec.ContainerID)
		if inspectErr == nil {
			detail.Status = &LiveStatus{
				Running:   status.Running,
				ExitCode:  status.ExitCode,
				OOMKilled: status.OOMKilled,
				StartedAt: status.StartedAt,
			}
		} else if !docker.IsNotFound(inspectErr) {
			log := logWithServer(id)
			log.Warn().Err(inspectErr).Msg("Could not inspect container for detail read")
		}
	}
	return detail, nil
}

// ShipCargo downloads additional cargo files and folds them into the
// record's manifest, replacing entries that share a target path.
func (m *Manager) ShipCargo(ctx context.Context, id string, files []store.CargoFile) error {
	unlock := m.lock(id)
	defer unlock()

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := m.ensureVolume(id); err != nil {
		return err
	}
	if err := m.cargo.Ship(ctx, m.volumeDir(id), files); err != nil {
		return err
	}

	byPath := make(map[string]int, len(rec.Files.Cargo))
	for i, existing := range rec.Files.Cargo {
		byPath[existing.TargetPath] = i
	}
	for _, f := range files {
		if i, ok := byPath[f.TargetPath]; ok {
			rec.Files.Cargo[i] = f
		} else {
			rec.Files.Cargo = append(rec.Files.Cargo, f)
		}
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return err
	}
	m.daemonf(id, "Shipped %d cargo file(s)", len(files))
	return nil
}

// Reconcile aligns records with reality after a daemon restart: interrupted
// installs and updates become failures, interrupted deletes resume, and
// runtime states follow the live container.
func (m *Manager) Reconcile(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	for i := range records {
		rec := &records[i]
		unlock := m.lock(rec.ID)
		m.reconcileOne(ctx, rec)
		unlock()
	}
	return nil
}

func (m *Manager) reconcileOne(ctx context.Context, rec *store.Server) {
	log := logWithServer(rec.ID)
	switch rec.State {
	case store.StateCreating, store.StateInstalling:
		log.Warn().Msg("Install interrupted by daemon restart")
		m.setState(ctx, rec.ID, store.StateInstallFailed)
		return
	case store.StateUpdating:
		log.Warn().Msg("Update interrupted by daemon restart")
		m.setState(ctx, rec.ID, store.StateUpdateFailed)
		return
	case store.StateDeleting:
		log.Warn().Msg("Resuming interrupted delete")
		if rec.HasContainer() {
			_ = m.engine.RemoveContainer(ctx, *rec.ContainerID, true, true)
		}
		_ = m.removeVolume(rec.ID)
		_ = m.store.Delete(ctx, rec.ID)
		m.rings.Remove(rec.ID)
		return
	}

	if !rec.HasContainer() {
		return
	}
	status, err := m.engine.InspectContainer(ctx, *rec.ContainerID)
	switch {
	case docker.IsNotFound(err):
		log.Warn().Msg("Recorded container no longer exists")
		if err := m.store.SetContainerID(ctx, rec.ID, nil); err != nil {
			log.Error().Err(err).Msg("Could not clear stale container id")
		}
		if isRuntimeState(rec.State) {
			m.setState(ctx, rec.ID, store.StateStopped)
		}
	case err != nil:
		log.Warn().Err(err).Msg("Could not inspect container during reconcile")
	case status.Running && rec.State != store.StateRunning:
		m.setState(ctx, rec.ID, store.StateRunning)
	case !status.Running && isRuntimeState(rec.State) && rec.State != store.StateStopped:
		m.setState(ctx, rec.ID, store.StateStopped)
	}
}

func isRuntimeState(s store.State) bool {
	switch s {
	case store.StateStarting, store.StateRunning, store.StateStopping, store.StateStopped:
		return true
	}
	return false
}

// IsNotFound reports whether err is the missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
