// Package server is the HTTP control plane: one net/http.ServeMux route
// per spec.md §6's endpoint table, following sand/mux.go's idiom of a
// handler method per route, manual method checks at the top of each
// handler, and shared writeJSON/writeJSONError helpers rather than a
// router framework.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/vapiorc/vapiorc/assignment"
	"github.com/vapiorc/vapiorc/db"
	"github.com/vapiorc/vapiorc/golden"
	"github.com/vapiorc/vapiorc/instancepool"
	"github.com/vapiorc/vapiorc/replenisher"
	"github.com/vapiorc/vapiorc/vmtypes"
	"github.com/vapiorc/vapiorc/webhook"
)

// Server wires every collaborator behind the HTTP control plane.
type Server struct {
	Repo        *db.Repository
	Golden      *golden.Builder
	Instances   *instancepool.Manager
	Replenisher *replenisher.Replenisher
	Assignment  *assignment.Service
	Webhook     *webhook.Handler
	DefaultType string
}

// New constructs a Server.
func New(repo *db.Repository, g *golden.Builder, instances *instancepool.Manager, r *replenisher.Replenisher, a *assignment.Service, w *webhook.Handler, defaultVMType string) *Server {
	return &Server{Repo: repo, Golden: g, Instances: instances, Replenisher: r, Assignment: a, Webhook: w, DefaultType: defaultVMType}
}

// Handler returns the fully-routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/vms/golden-images", s.handleGoldenImages)
	mux.HandleFunc("/api/vms/golden-images/", s.handleGoldenImageByID)
	mux.HandleFunc("/api/vms/instances", s.handleInstances)
	mux.HandleFunc("/api/vms/instances/", s.handleInstanceByID)
	mux.HandleFunc("/api/vms/assign", s.handleAssign)
	mux.HandleFunc("/api/vms/hot-spares/ensure", s.handleEnsure)
	mux.HandleFunc("/webhook/ready/", s.handleWebhookReady)
	mux.HandleFunc("/webhook/status/", s.handleWebhookStatus)

	return mux
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, err error, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) vmType(r *http.Request) string {
	if t := r.URL.Query().Get("vm_type"); t != "" {
		return t
	}
	return s.DefaultType
}

// handleGoldenImages serves POST /api/vms/golden-images?vm_type=<t>.
func (s *Server) handleGoldenImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	goldenID, err := s.Golden.Create(r.Context(), s.vmType(r))
	if err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{
		"golden_id": goldenID,
		"status":    string(vmtypes.GoldenImageCreating),
		"message":   "golden image build started",
	})
}

// handleGoldenImageByID serves POST /api/vms/golden-images/{gid}/ready.
func (s *Server) handleGoldenImageByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/vms/golden-images/")
	gid, action, ok := strings.Cut(rest, "/")
	if !ok || action != "ready" || gid == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.Golden.Finalise(r.Context(), gid); err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{
		"status":  string(vmtypes.GoldenImageReady),
		"message": "golden image finalised",
	})
}

// handleInstances serves POST (create) and GET (list) /api/vms/instances.
func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		instanceID, err := s.Instances.CreateInstance(r.Context(), s.vmType(r), false)
		if err != nil {
			writeJSONError(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{
			"instance_id": instanceID,
			"status":      string(vmtypes.InstanceStarting),
		})

	case http.MethodGet:
		instances, err := s.Repo.ListVMInstances(r.Context())
		if err != nil {
			writeJSONError(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, instances)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleInstanceByID serves GET /api/vms/instances/{iid}, POST
// /api/vms/instances/{iid}/release, and DELETE /api/vms/instances/{iid}
// (spec.md §6, §12's added single-instance GET).
func (s *Server) handleInstanceByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/vms/instances/")
	iid, suffix, hasSuffix := strings.Cut(rest, "/")
	if iid == "" {
		http.NotFound(w, r)
		return
	}

	if hasSuffix {
		if suffix != "release" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.release(w, r, iid)
		return
	}

	switch r.Method {
	case http.MethodGet:
		vi, err := s.Repo.GetVMInstance(r.Context(), iid)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				http.NotFound(w, r)
				return
			}
			writeJSONError(w, err, http.StatusInternalServerError)
			return
		}
		writeJSON(w, vi)

	case http.MethodDelete:
		s.release(w, r, iid)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) release(w http.ResponseWriter, r *http.Request, instanceID string) {
	if err := s.Assignment.Release(r.Context(), instanceID); err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "released"})
}

// handleAssign serves POST /api/vms/assign?assigned_to=<c>.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	caller := r.URL.Query().Get("assigned_to")
	if caller == "" {
		writeJSONError(w, errors.New("missing assigned_to"), http.StatusBadRequest)
		return
	}
	info, err := s.Assignment.Assign(r.Context(), caller)
	if err != nil {
		writeJSONError(w, err, http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, info)
}

// handleEnsure serves POST /api/vms/hot-spares/ensure.
func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.Replenisher.Ensure(r.Context(), s.vmType(r)); err != nil {
		writeJSONError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ensured"})
}

const macHeader = "MAC-Address"

// handleWebhookReady serves POST /webhook/ready/{vm_type}.
func (s *Server) handleWebhookReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	vmType := strings.TrimPrefix(r.URL.Path, "/webhook/ready/")
	mac := strings.TrimSpace(r.Header.Get(macHeader))

	result, err := s.Webhook.Ready(r.Context(), vmType, mac)
	if err != nil {
		writeWebhookError(w, err)
		return
	}
	writeJSON(w, result)
}

// handleWebhookStatus serves GET /webhook/status/{vm_type}.
func (s *Server) handleWebhookStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	vmType := strings.TrimPrefix(r.URL.Path, "/webhook/status/")
	mac := strings.TrimSpace(r.Header.Get(macHeader))

	result, found, err := s.Webhook.Status(r.Context(), vmType, mac)
	if err != nil {
		writeWebhookError(w, err)
		return
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, result)
}

func writeWebhookError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, webhook.ErrNoMACAddress):
		writeJSONError(w, err, http.StatusBadRequest)
	case errors.Is(err, webhook.ErrUnregistered):
		writeJSONError(w, err, http.StatusNotFound)
	default:
		writeJSONError(w, err, http.StatusInternalServerError)
	}
}
