package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/argon-foss/krypton/internal/server"
	"github.com/argon-foss/krypton/internal/store"
)

// validate checks request payloads. Field names in violation messages use
// the json tag so they match what the client actually sent.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type allocationPayload struct {
	BindAddress string `json:"bindAddress" validate:"required"`
	Port        int    `json:"port" validate:"required,gte=1,lte=65535"`
}

type createServerRequest struct {
	ServerID        string            `json:"serverId" validate:"required"`
	ValidationToken string            `json:"validationToken" validate:"required"`
	Name            string            `json:"name" validate:"required"`
	MemoryLimit     int64             `json:"memoryLimit" validate:"required,gt=0"`
	CPULimit        float64           `json:"cpuLimit" validate:"required,gt=0"`
	Allocation      allocationPayload `json:"allocation"`
}

type createServerResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	State           string `json:"state"`
	ValidationToken string `json:"validationToken"`
}

type updateServerRequest struct {
	ServerID    string   `json:"serverId"`
	Name        *string  `json:"name" validate:"omitempty,min=1"`
	MemoryLimit *int64   `json:"memoryLimit" validate:"omitempty,gt=0"`
	CPULimit    *float64 `json:"cpuLimit" validate:"omitempty,gt=0"`
	UnitChanged bool     `json:"unitChanged"`
	DockerImage *string  `json:"dockerImage" validate:"omitempty,min=1"`
}

type updateServerResponse struct {
	Message string        `json:"message"`
	Server  *store.Server `json:"server"`
}

type cargoPayload struct {
	URL        string                `json:"url" validate:"required,url"`
	TargetPath string                `json:"targetPath" validate:"required"`
	Properties store.CargoProperties `json:"properties"`
}

type shipCargoRequest struct {
	Cargo []cargoPayload `json:"cargo" validate:"required,min=1,dive"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// decode reads and validates a JSON request body, answering 400 (or 413 for
// oversize bodies) itself when the payload is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

// validationMessage flattens a validator error into the first violation.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Sprintf("field %s failed %s validation", e.Field(), e.Tag())
	}
	return "invalid request body"
}

// handleCreateServer accepts the record and answers immediately; the panel
// fetch, install, and first boot continue in the background.
func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec, err := s.lifecycle.Create(r.Context(), server.CreateRequest{
		ServerID:        req.ServerID,
		ValidationToken: req.ValidationToken,
		Name:            req.Name,
		MemoryLimit:     req.MemoryLimit,
		CPULimit:        req.CPULimit,
		Allocation: store.Allocation{
			BindAddress: req.Allocation.BindAddress,
			Port:        req.Allocation.Port,
		},
	})
	if err != nil {
		s.writeOperationError(w, r, err)
		return
	}

	// The record is momentarily Creating, but the panel contract reports
	// the state the server is about to enter.
	s.writeJSON(w, http.StatusCreated, createServerResponse{
		ID:              rec.ID,
		Name:            rec.Name,
		State:           string(store.StateInstalling),
		ValidationToken: req.ValidationToken,
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	records, err := s.lifecycle.List(r.Context())
	if err != nil {
		s.writeOperationError(w, r, err)
		return
	}
	if records == nil {
		records = []store.Server{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	detail, err := s.lifecycle.GetDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeOperationError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var req updateServerRequest
	if !s.decode(w, r, &req) {
		return
	}

	rec, err := s.lifecycle.Update(r.Context(), chi.URLParam(r, "id"), server.UpdateRequest{
		ID:          req.ServerID,
		Name:        req.Name,
		Image:       req.DockerImage,
		MemoryLimit: req.MemoryLimit,
		CPULimit:    req.CPULimit,
		UnitChanged: req.UnitChanged,
	})
	if err != nil {
		s.writeOperationError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updateServerResponse{
		Message: "Server updated successfully",
		Server:  rec,
	})
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeOperationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReinstall(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Reinstall(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeOperationError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "Reinstallation started"})
}

func (s *Server) handleShipCargo(w http.ResponseWriter, r *http.Request) {
	var req shipCargoRequest
	if !s.decode(w, r, &req) {
		return
	}

	files := make([]store.CargoFile, len(req.Cargo))
	for i, c := range req.Cargo {
		files[i] = store.CargoFile{
			URL:        c.URL,
			TargetPath: c.TargetPath,
			Properties: c.Properties,
		}
	}
	if err := s.lifecycle.ShipCargo(r.Context(), chi.URLParam(r, "id"), files); err != nil {
		s.writeOperationError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Shipped %d cargo file(s)", len(files)),
	})
}

func (s *Server) handlePowerAction(w http.ResponseWriter, r *http.Request) {
	action, err := server.ParsePowerAction(chi.URLParam(r, "action"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.lifecycle.Power(r.Context(), chi.URLParam(r, "id"), action)
	if err != nil {
		s.writeOperationError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, messageResponse{
		Message: fmt.Sprintf("Server is now %s", state),
	})
}
