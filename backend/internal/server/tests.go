package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openzim/mirrors-qa/backend/internal/db"
	"github.com/openzim/mirrors-qa/backend/pkg/api"
	"github.com/openzim/mirrors-qa/backend/pkg/locations"
)

// apiSortColumns are the sort keys exposed on GET /tests. The store accepts
// more, but the public contract is deliberately narrower.
var apiSortColumns = map[string]struct{}{
	"requested_on": {}, "started_on": {}, "status": {},
	"worker_id": {}, "country_code": {}, "city": {},
}

func (h *Handler) listTests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.TestFilter{
		WorkerID: q.Get("worker_id"),
		PageSize: h.cfg.MaxPageSize,
		PageNum:  1,
	}

	if v := q.Get("country_code"); v != "" {
		if !locations.IsValidCode(v) {
			h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a valid country code.", v))
			return
		}
		filter.CountryCode = strings.ToLower(v)
	}
	for _, s := range q["status"] {
		if !api.ValidStatus(s) {
			h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a valid status.", s))
			return
		}
		filter.Statuses = append(filter.Statuses, s)
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > h.cfg.MaxPageSize {
			h.writeJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("page_size must be between 1 and %d.", h.cfg.MaxPageSize))
			return
		}
		filter.PageSize = n
	}
	if v := q.Get("page_num"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeJSONError(w, http.StatusBadRequest, "page_num must be a positive integer.")
			return
		}
		filter.PageNum = n
	}
	if v := q.Get("sort_by"); v != "" {
		if _, ok := apiSortColumns[v]; !ok {
			h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a valid sort column.", v))
			return
		}
		filter.SortBy = v
	}
	if v := q.Get("order"); v != "" {
		if v != "asc" && v != "desc" {
			h.writeJSONError(w, http.StatusBadRequest, "order must be asc or desc.")
			return
		}
		filter.Order = v
	}

	tests, total, err := h.store.ListTests(r.Context(), filter)
	if err != nil {
		h.writeServerError(w, "failed to list tests", err)
		return
	}

	resp := api.TestsResponse{
		Tests:    make([]api.Test, 0, len(tests)),
		Metadata: paginationMetadata(total, filter.PageSize, filter.PageNum),
	}
	for _, t := range tests {
		resp.Tests = append(resp.Tests, apiTest(t))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getTest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.testID(w, r)
	if !ok {
		return
	}
	t, err := h.store.GetTest(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Test with id: %s does not exist.", id))
			return
		}
		h.writeServerError(w, "failed to get test", err)
		return
	}
	h.writeJSON(w, http.StatusOK, apiTest(t))
}

func (h *Handler) updateTest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.testID(w, r)
	if !ok {
		return
	}
	worker, ok := currentWorker(r.Context())
	if !ok {
		h.writeUnauthorized(w, msgUnauthorized)
		return
	}

	var req api.UpdateTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, msgBadRequest)
		return
	}
	if req.Status != nil && !api.ValidStatus(*req.Status) {
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a valid status.", *req.Status))
		return
	}
	if req.IPAddress != nil && net.ParseIP(*req.IPAddress) == nil {
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a valid IP address.", *req.IPAddress))
		return
	}

	t, err := h.store.GetTest(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Test with id: %s does not exist.", id))
			return
		}
		h.writeServerError(w, "failed to get test", err)
		return
	}
	if t.WorkerID != worker.ID {
		h.writeUnauthorized(w, msgWrongWorker)
		return
	}

	h.resolveASN(&req)

	updated, err := h.store.RecordTestResult(r.Context(), id, worker.ID, db.TestUpdate{
		Status:       req.Status,
		StartedOn:    req.StartedOn,
		IPAddress:    req.IPAddress,
		ASN:          req.ASN,
		ISP:          req.ISP,
		City:         req.City,
		Latency:      req.Latency,
		DownloadSize: req.DownloadSize,
		Duration:     req.Duration,
		Speed:        req.Speed,
		Error:        req.Error,
	}, h.cfg.Clock.Now().UTC())
	if err != nil {
		if errors.Is(err, db.ErrTestFinished) {
			h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Test with id: %s is already finished.", id))
			return
		}
		h.writeServerError(w, "failed to record test result", err)
		return
	}

	ResultsReceivedTotal.Inc()
	h.log.Info("test result recorded", "test", id, "worker", worker.ID, "status", updated.Status)
	h.writeJSON(w, http.StatusOK, apiTest(updated))
}

// resolveASN fills the autonomous system fields of a submitted result from
// the reported egress IP, when a resolver is configured and the worker did
// not supply them itself.
func (h *Handler) resolveASN(req *api.UpdateTestRequest) {
	if h.cfg.Resolver == nil || req.IPAddress == nil {
		return
	}
	if req.ASN != nil && req.ISP != nil {
		return
	}
	asn, org, err := h.cfg.Resolver.ASN(*req.IPAddress)
	if err != nil {
		h.log.Warn("asn lookup failed", "ip", *req.IPAddress, "error", err)
		return
	}
	if req.ASN == nil {
		req.ASN = &asn
	}
	if req.ISP == nil && org != "" {
		req.ISP = &org
	}
}

func (h *Handler) testID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "testID")
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("%s is not a valid test id.", raw))
		return uuid.Nil, false
	}
	return id, true
}

// paginationMetadata mirrors the listing contract: an empty result carries
// only the zeroed totals.
func paginationMetadata(total, pageSize, pageNum int) api.Metadata {
	if total == 0 {
		return api.Metadata{}
	}
	return api.Metadata{
		TotalRecords: total,
		PageSize:     min(pageSize, total),
		CurrentPage:  pageNum,
		FirstPage:    1,
		LastPage:     (total + pageSize - 1) / pageSize,
	}
}

func apiTest(t db.Test) api.Test {
	return api.Test{
		ID:           t.ID.String(),
		RequestedOn:  t.RequestedOn,
		StartedOn:    t.StartedOn,
		Status:       t.Status,
		WorkerID:     t.WorkerID,
		MirrorURL:    t.MirrorURL,
		CountryCode:  t.CountryCode,
		IPAddress:    t.IPAddress,
		ASN:          t.ASN,
		ISP:          t.ISP,
		City:         t.City,
		Latency:      t.Latency,
		DownloadSize: t.DownloadSize,
		Duration:     t.Duration,
		Speed:        t.Speed,
		Error:        t.Error,
	}
}
