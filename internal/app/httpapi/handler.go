// Package httpapi exposes the engine over a small REST surface. The handlers
// are thin: they translate HTTP into service calls and service errors back
// into status codes.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	app "github.com/certware/walletcore/internal/app"
	"github.com/certware/walletcore/internal/app/domain/certificate"
	"github.com/certware/walletcore/internal/app/domain/coronatest"
	"github.com/certware/walletcore/internal/app/domain/issuance"
	"github.com/certware/walletcore/internal/app/metrics"
	"github.com/certware/walletcore/internal/app/services/grouping"
	issuancesvc "github.com/certware/walletcore/internal/app/services/issuance"
	"github.com/certware/walletcore/internal/app/services/testlifecycle"
)

type handler struct {
	app *app.Application
}

// NewHandler returns the REST API router.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/certificates", h.addCertificate).Methods(http.MethodPost)
	r.HandleFunc("/certificates/{uci}", h.removeCertificate).Methods(http.MethodDelete)
	r.HandleFunc("/certificates/{uci}/restore", h.restoreCertificate).Methods(http.MethodPost)
	r.HandleFunc("/certificates/{uci}/seen", h.markSeen).Methods(http.MethodPost)

	r.HandleFunc("/persons", h.listPersons).Methods(http.MethodGet)
	r.HandleFunc("/wallet/reevaluate", h.reevaluate).Methods(http.MethodPost)

	r.HandleFunc("/tests", h.registerTest).Methods(http.MethodPost)
	r.HandleFunc("/tests", h.listTests).Methods(http.MethodGet)
	r.HandleFunc("/tests/refresh", h.refreshTests).Methods(http.MethodPost)
	r.HandleFunc("/tests/{id}", h.removeTest).Methods(http.MethodDelete)
	r.HandleFunc("/tests/{id}/refresh", h.refreshTest).Methods(http.MethodPost)

	r.HandleFunc("/issuance", h.registerIssuance).Methods(http.MethodPost)
	r.HandleFunc("/issuance", h.listIssuance).Methods(http.MethodGet)
	r.HandleFunc("/issuance/{id}/retry", h.retryIssuance).Methods(http.MethodPost)
	r.HandleFunc("/issuance/{id}", h.cancelIssuance).Methods(http.MethodDelete)

	return metrics.InstrumentHandler(r)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type certificatePayload struct {
	UCI         string `json:"uci"`
	Payload     string `json:"payload"`
	DateOfBirth string `json:"dateOfBirth"`
	Entry       string `json:"entry"`
	Name        struct {
		FamilyName             string `json:"familyName"`
		GivenName              string `json:"givenName"`
		StandardizedFamilyName string `json:"standardizedFamilyName"`
		StandardizedGivenName  string `json:"standardizedGivenName"`
	} `json:"name"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Hashes    struct {
		Signature  string `json:"signature"`
		UCI        string `json:"uci"`
		CountryUCI string `json:"countryUci"`
	} `json:"hashes"`
}

func (p certificatePayload) toDomain() certificate.Certificate {
	return certificate.Certificate{
		UCI:         p.UCI,
		Payload:     p.Payload,
		DateOfBirth: p.DateOfBirth,
		Entry:       certificate.EntryType(p.Entry),
		Name: certificate.Name{
			FamilyName:             p.Name.FamilyName,
			GivenName:              p.Name.GivenName,
			StandardizedFamilyName: p.Name.StandardizedFamilyName,
			StandardizedGivenName:  p.Name.StandardizedGivenName,
		},
		IssuedAt:  p.IssuedAt,
		ExpiresAt: p.ExpiresAt,
		Hashes: certificate.RevocationHashes{
			Signature:  p.Hashes.Signature,
			UCI:        p.Hashes.UCI,
			CountryUCI: p.Hashes.CountryUCI,
		},
	}
}

func (h *handler) addCertificate(w http.ResponseWriter, r *http.Request) {
	var payload certificatePayload
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.UCI == "" {
		writeError(w, http.StatusBadRequest, errors.New("uci is required"))
		return
	}

	persons, err := h.app.Grouping.AddCertificate(r.Context(), payload.toDomain())
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, grouping.ErrTooManyPersons) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, persons)
}

func (h *handler) removeCertificate(w http.ResponseWriter, r *http.Request) {
	uci := mux.Vars(r)["uci"]
	persons, err := h.app.Grouping.RemoveCertificate(r.Context(), uci)
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, persons)
}

func (h *handler) restoreCertificate(w http.ResponseWriter, r *http.Request) {
	uci := mux.Vars(r)["uci"]
	persons, err := h.app.Grouping.RestoreCertificate(r.Context(), uci)
	if err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	writeJSON(w, http.StatusOK, persons)
}

func (h *handler) markSeen(w http.ResponseWriter, r *http.Request) {
	uci := mux.Vars(r)["uci"]
	if err := h.app.Validity.MarkSeen(r.Context(), uci); err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listPersons(w http.ResponseWriter, r *http.Request) {
	persons, err := h.app.Grouping.Persons(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, persons)
}

func (h *handler) reevaluate(w http.ResponseWriter, r *http.Request) {
	h.app.Validity.Notify()
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) registerTest(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Key          string    `json:"key"`
		Type         string    `json:"type"`
		LabID        string    `json:"labId"`
		POCConsentAt time.Time `json:"pocConsentAt"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	test, err := h.app.Tests.RegisterTest(r.Context(), payload.Key, coronatest.Type(payload.Type), payload.LabID, payload.POCConsentAt)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, testlifecycle.ErrTestInFlight) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, test)
}

func (h *handler) listTests(w http.ResponseWriter, r *http.Request) {
	tests, err := h.app.Tests.Tests(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, tests)
}

func (h *handler) refreshTests(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	h.app.Tests.UpdateAll(r.Context(), force)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) refreshTest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	force := r.URL.Query().Get("force") == "true"

	test, err := h.app.Tests.UpdateResult(r.Context(), id, force)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		} else if errors.Is(err, testlifecycle.ErrTestInFlight) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (h *handler) removeTest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.app.Tests.Remove(r.Context(), id); err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) registerIssuance(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Token    string `json:"token"`
		TestType string `json:"testType"`
		LabID    string `json:"labId"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	req, err := h.app.Issuance.RegisterRequest(r.Context(), payload.Token, issuance.TestType(payload.TestType), payload.LabID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	go func() {
		_ = h.app.Issuance.Run(context.Background(), req.ID)
	}()
	writeJSON(w, http.StatusAccepted, req)
}

func (h *handler) listIssuance(w http.ResponseWriter, r *http.Request) {
	requests, err := h.app.Issuance.Requests(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *handler) retryIssuance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.app.Issuance.Retry(r.Context(), id); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		} else if errors.Is(err, issuancesvc.ErrRequestInFlight) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) cancelIssuance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.app.Issuance.Cancel(r.Context(), id); err != nil {
		writeError(w, statusForLookup(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusForLookup(err error) int {
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
