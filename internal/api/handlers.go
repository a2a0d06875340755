// Package api serves read-only JSON dumps of port state over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/jmpesp/opte/internal/core"
	"github.com/jmpesp/opte/internal/flowtable"
	"github.com/jmpesp/opte/internal/layer"
	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/port"
)

// Source is the port state the API reads from.
type Source interface {
	List(detail bool) []port.Info
	DumpLayer(name, layerName string) (layer.Dump, error)
	DumpUFT(name string) (port.UFTDump, error)
	DumpTCPFlows(name string) (flowtable.TableDump, error)
}

// Handlers serves the dump endpoints.
type Handlers struct {
	src Source
}

// NewHandlers creates handlers reading from src.
func NewHandlers(src Source) *Handlers {
	return &Handlers{src: src}
}

// RegisterRoutes registers the dump routes on router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ports", h.handleListPorts).Methods("GET")
	ports := router.PathPrefix("/ports/{name}").Subrouter()
	ports.HandleFunc("/uft", h.handleDumpUFT).Methods("GET")
	ports.HandleFunc("/tcp", h.handleDumpTCP).Methods("GET")
	ports.HandleFunc("/layers/{layer}", h.handleDumpLayer).Methods("GET")
}

// Router returns a router with every route mounted under /v1.
func (h *Handlers) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r.PathPrefix("/v1").Subrouter())
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondWithError(w, http.StatusNotFound, "not found")
	})
	return r
}

func (h *Handlers) handleListPorts(w http.ResponseWriter, r *http.Request) {
	detail := r.URL.Query().Get("detail") == "true"
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"ports": h.src.List(detail),
	})
}

func (h *Handlers) handleDumpUFT(w http.ResponseWriter, r *http.Request) {
	d, err := h.src.DumpUFT(mux.Vars(r)["name"])
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func (h *Handlers) handleDumpTCP(w http.ResponseWriter, r *http.Request) {
	d, err := h.src.DumpTCPFlows(mux.Vars(r)["name"])
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func (h *Handlers) handleDumpLayer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := h.src.DumpLayer(vars["name"], vars["layer"])
	if err != nil {
		respondWithDomainError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, d)
}

func respondWithDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrPortNotFound), errors.Is(err, core.ErrLayerNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrPortClosed):
		respondWithError(w, http.StatusGone, err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondWithError(w http.ResponseWriter, code int, msg string) {
	respondWithJSON(w, code, map[string]string{"error": msg})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.GetLogger().WithError(err).Error("api response encoding failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}
