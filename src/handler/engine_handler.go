package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	logger "github.com/sirupsen/logrus"

	"stopguard/src/auth"
	"stopguard/src/controller"
	"stopguard/src/engine"
	"stopguard/src/risk"
)

type breakerReader interface {
	Status(now time.Time) risk.Status
}

type cycleRunner interface {
	RunCycle(ctx context.Context) (engine.CycleReport, error)
}

type admissionChecker interface {
	Check(ctx context.Context, req controller.AdmissionRequest) (controller.AdmissionResult, error)
}

type breakerResponse struct {
	risk.Status
	Remaining string `json:"remaining,omitempty"`
}

// BreakerHandler exposes the circuit breaker state. A paused breaker always reports its reason
// and the time left.
func BreakerHandler(b breakerReader, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		at := now()
		st := b.Status(at)
		resp := breakerResponse{Status: st}
		if st.Tripped {
			resp.Remaining = st.PausedUntil.Sub(at).Round(time.Second).String()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// RunCycleHandler triggers one baseline cycle on demand.
func RunCycleHandler(runner cycleRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, _ := auth.GetOperatorFromContext(r.Context())
		fields := map[string]interface{}{"trigger": "manual"}
		if op != nil {
			fields["operator"] = op.Name
		}

		report, err := runner.RunCycle(r.Context())
		if err != nil {
			logger.WithFields(fields).WithError(err).Error("manual cycle failed")
			http.Error(w, "cycle failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		logger.WithFields(fields).WithField("applied", report.Applied).Info("Manual cycle completed")
		writeJSON(w, http.StatusOK, report)
	}
}

// AdmissionHandler answers whether a new position may be opened and with which protective price.
func AdmissionHandler(checker admissionChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req controller.AdmissionRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			logger.WithError(err).Warn("invalid admission payload")
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}

		res, err := checker.Check(r.Context(), req)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(err, controller.ErrInvalidAdmission):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, controller.ErrAdmissionPaused):
			writeJSON(w, http.StatusConflict, res)
		case errors.Is(err, controller.ErrAdmissionRejected):
			writeJSON(w, http.StatusUnprocessableEntity, res)
		default:
			logger.WithError(err).Error("admission check failed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}
}
