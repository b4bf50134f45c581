package feedback

import (
	"encoding/json"
	"net/http"

	textfeedback "docsync-server/feedback"
	"docsync-server/middleware"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	Request struct {
		Text    string `json:"text"`
		Changes string `json:"changes"`
	}

	Response struct {
		Suggestions string `json:"suggestions"`
		Error       string `json:"error,omitempty"`
	}
)

// HandleFeedback runs a text selection through processor. Upstream errors
// are reported with a generic message.
func HandleFeedback(processor textfeedback.Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, Response{Error: "Invalid JSON in request body"})
			return
		}
		if req.Text == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, Response{Error: "text is required"})
			return
		}

		log := logrus.WithField("text_length", len(req.Text))
		if claims, ok := middleware.ClaimsFrom(r.Context()); ok {
			log = log.WithField("user_id", claims.Subject)
		}

		suggestion, err := processor.Process(r.Context(), req.Text, req.Changes)
		if err != nil {
			log.WithError(err).Error("Failed to process text feedback")
			render.Status(r, http.StatusBadGateway)
			render.JSON(w, r, Response{Error: "Failed to process text"})
			return
		}

		render.JSON(w, r, Response{Suggestions: suggestion})
	}
}
