package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openzim/mirrors-qa/backend/internal/db"
	"github.com/openzim/mirrors-qa/backend/pkg/api"
	"github.com/openzim/mirrors-qa/backend/pkg/locations"
)

const msgWrongWorker = "Insufficient privileges"

// routeWorker enforces that the authenticated worker is the one named in the
// path. Workers can only ever see and change their own assignments.
func (h *Handler) routeWorker(w http.ResponseWriter, r *http.Request) (db.Worker, bool) {
	worker, ok := currentWorker(r.Context())
	if !ok {
		h.writeUnauthorized(w, msgUnauthorized)
		return db.Worker{}, false
	}
	if worker.ID != chi.URLParam(r, "workerID") {
		h.writeUnauthorized(w, msgWrongWorker)
		return db.Worker{}, false
	}
	return worker, true
}

func (h *Handler) listWorkerCountries(w http.ResponseWriter, r *http.Request) {
	worker, ok := h.routeWorker(w, r)
	if !ok {
		return
	}
	countries, err := h.store.WorkerCountries(r.Context(), worker.ID)
	if err != nil {
		h.writeServerError(w, "failed to list worker countries", err)
		return
	}
	h.writeJSON(w, http.StatusOK, countriesResponse(countries))
}

func (h *Handler) updateWorkerCountries(w http.ResponseWriter, r *http.Request) {
	worker, ok := h.routeWorker(w, r)
	if !ok {
		return
	}

	var req api.UpdateWorkerCountriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, msgBadRequest)
		return
	}

	countries := make([]db.Country, 0, len(req.CountryCodes))
	for _, code := range req.CountryCodes {
		country, ok := locations.ByCode(code)
		if !ok {
			h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a valid country code.", code))
			return
		}
		countries = append(countries, db.Country{Code: country.Code, Name: country.Name})
	}

	assigned, err := h.store.AssignWorkerCountries(r.Context(), worker.ID, countries)
	if err != nil {
		h.writeServerError(w, "failed to assign worker countries", err)
		return
	}

	h.log.Info("worker countries updated", "worker", worker.ID, "countries", len(assigned))
	h.writeJSON(w, http.StatusOK, countriesResponse(assigned))
}

func countriesResponse(countries []db.Country) api.CountriesResponse {
	resp := api.CountriesResponse{Countries: make([]api.Country, 0, len(countries))}
	for _, c := range countries {
		resp.Countries = append(resp.Countries, api.Country{Code: c.Code, Name: c.Name})
	}
	return resp
}
