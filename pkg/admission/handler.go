package admission

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/erfianugrah/forminator-sub000/pkg/api"
	"github.com/erfianugrah/forminator-sub000/pkg/metadata"
	"github.com/erfianugrah/forminator-sub000/pkg/turnstile"
	"github.com/erfianugrah/forminator-sub000/pkg/validate"
)

// maxBodyBytes bounds the submission payload.
const maxBodyBytes = 64 << 10

// Handler serves POST /api/submissions.
type Handler struct {
	controller *Controller
	logger     *slog.Logger

	// bypassKey enables the testing path: when set and presented in the
	// X-API-KEY header, CAPTCHA verification is synthesized so the
	// downstream fraud pipeline still runs.
	bypassKey string
}

// NewHandler builds the submission handler. bypassKey is empty unless the
// testing bypass is configured on.
func NewHandler(controller *Controller, bypassKey string, logger *slog.Logger) *Handler {
	return &Handler{controller: controller, bypassKey: bypassKey, logger: logger}
}

// ServeHTTP decodes the payload, runs the pipeline, and renders the
// decision.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		api.WriteMethodNotAllowed(w)
		return
	}

	var in validate.SubmissionInput
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		api.WriteBadRequest(w, "Invalid request body", "The request could not be read. Please try again.")
		return
	}

	md := metadata.FromRequest(r)

	var verifier turnstile.Verifier
	if h.bypassKey != "" && r.Header.Get(api.APIKeyHeader) == h.bypassKey {
		h.logger.Info("testing bypass engaged", "ip", md.RemoteIP)
		verifier = turnstile.BypassVerifier{}
	}

	d := h.controller.Process(r.Context(), md, in, verifier)

	if len(d.Details) > 0 {
		api.WriteValidationFailed(w, d.Details)
		return
	}
	if d.RetryAfter > 0 {
		api.WriteTooManyRequests(w, d.RetryAfter, d.UserMessage)
		return
	}
	api.WriteEnvelope(w, d.Status, api.Envelope{
		Success:      d.Status == http.StatusCreated,
		SubmissionID: d.SubmissionID,
		Message:      d.Message,
		UserMessage:  d.UserMessage,
	})
}
