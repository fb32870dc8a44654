package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/rpattn/usageprov/internal/middleware"
	"github.com/rpattn/usageprov/internal/usage"
)

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// ResetMonthlyUsage runs the monthly counter reset. Meant to be called by a
// scheduler once a month.
func ResetMonthlyUsage(ex usage.Executor, log logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := usage.ResetMonthly(r.Context(), ex); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"kind":       usage.KindOf(err).String(),
				"request_id": middleware.RequestID(r.Context()),
			}).Error("monthly usage reset failed")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		log.WithField("request_id", middleware.RequestID(r.Context())).Info("monthly usage reset")
		writeJSON(w, http.StatusOK, messageResponse{Message: "Monthly usage reset successful"})
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
