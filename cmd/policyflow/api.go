package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drblury/policyflow/internal/consumers"
	"github.com/drblury/policyflow/internal/contracts"
	runtimepkg "github.com/drblury/policyflow/internal/runtime"
	envelopepkg "github.com/drblury/policyflow/internal/runtime/envelope"
	errspkg "github.com/drblury/policyflow/internal/runtime/errors"
	jsoncodec "github.com/drblury/policyflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/policyflow/internal/runtime/logging"
)

// replayer republishes a held dead letter to its original topic.
type replayer interface {
	ReplayDeadLetter(ctx context.Context, rec runtimepkg.DeadLetterRecord) error
}

type api struct {
	service  string
	topic    string
	signer   *contracts.SigningService
	producer runtimepkg.Producer
	inbox    *consumers.Inbox
	replay   replayer
	logger   loggingpkg.ServiceLogger
}

type messageResponse struct {
	Message    string `json:"message"`
	ContractID string `json:"contractId,omitempty"`
	EventID    string `json:"eventId,omitempty"`
}

type batchResponse struct {
	Message     string   `json:"message"`
	Succeeded   int      `json:"succeeded"`
	Failed      int      `json:"failed"`
	ContractIDs []string `json:"contractIds"`
	Errors      []string `json:"errors,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (a *api) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLog)

	r.Get("/healthz", a.health)
	r.Route("/api/contracts", func(r chi.Router) {
		r.Post("/sign", a.signContract)
		r.Post("/batch-sign", a.batchSignContracts)
	})
	r.Post("/kafka/{key}/insurance-event", a.publishEvent)
	r.Route("/api/dead-letters", func(r chi.Router) {
		r.Get("/records", a.listDeadLetters)
		r.Post("/{group}/{eventId}/replay", a.replayDeadLetter)
	})
	return r
}

func (a *api) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("HTTP request", loggingpkg.LogFields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": a.service})
}

func (a *api) signContract(w http.ResponseWriter, r *http.Request) {
	var req contracts.SignRequest
	if err := jsoncodec.Decode(r.Body, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed request body")
		return
	}

	res, err := a.signer.Sign(r.Context(), req)
	if err != nil {
		a.writeSignError(w, r, res, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Message:    "Contract " + res.Contract.ContractID + " has been signed successfully. Event published.",
		ContractID: res.Contract.ContractID,
		EventID:    res.Ack.EventID,
	})
}

func (a *api) writeSignError(w http.ResponseWriter, r *http.Request, res contracts.SignResult, err error) {
	switch {
	case errors.Is(err, contracts.ErrCustomerIDRequired),
		errors.Is(err, contracts.ErrProductIDRequired),
		errors.Is(err, contracts.ErrPolicyNumberRequired):
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, contracts.ErrDuplicateContract):
		writeError(w, r, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	case res.Contract.ContractID != "":
		a.logger.Error("Contract saved but event not published", err, loggingpkg.LogFields{
			"contract_id": res.Contract.ContractID,
		})
		writeError(w, r, http.StatusBadGateway, "UNAVAILABLE", "contract "+res.Contract.ContractID+" saved but the event could not be published")
	default:
		a.logger.Error("Contract signing failed", err, nil)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "contract could not be signed")
	}
}

func (a *api) batchSignContracts(w http.ResponseWriter, r *http.Request) {
	var req contracts.BatchSignRequest
	if err := jsoncodec.Decode(r.Body, &req, true); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed request body")
		return
	}

	res, err := a.signer.SignBatch(r.Context(), req)
	if errors.Is(err, contracts.ErrEmptyBatch) {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "No contracts provided in the batch request.")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	body := batchResponse{
		Message:     res.Summary(),
		Succeeded:   res.Succeeded,
		Failed:      res.Failed,
		ContractIDs: make([]string, 0, len(res.Results)),
	}
	for _, item := range res.Results {
		body.ContractIDs = append(body.ContractIDs, item.Contract.ContractID)
	}
	for _, itemErr := range res.Errors {
		body.Errors = append(body.Errors, itemErr.Error())
	}
	writeJSON(w, http.StatusOK, body)
}

// publishEvent sends a caller-supplied envelope keyed by the path key, which
// overrides any policy number in the body.
func (a *api) publishEvent(w http.ResponseWriter, r *http.Request) {
	var env envelopepkg.Envelope
	if err := jsoncodec.Decode(r.Body, &env, false); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "malformed envelope")
		return
	}
	env.SubjectKey = chi.URLParam(r, "key")

	ack, err := a.producer.Publish(r.Context(), a.topic, env,
		runtimepkg.WithCorrelationID(middleware.GetReqID(r.Context())))
	if err != nil {
		var perr *errspkg.PublishError
		if errors.As(err, &perr) && perr.Kind == errspkg.PublishErrorValidation {
			writeError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
			return
		}
		a.logger.Error("Event publish failed", err, loggingpkg.LogFields{"subject_key": env.SubjectKey})
		writeError(w, r, http.StatusBadGateway, "UNAVAILABLE", "event could not be published")
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{
		Message: "InsuranceEvent with key sent to topic " + ack.Topic,
		EventID: ack.EventID,
	})
}

func (a *api) listDeadLetters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.inbox.List())
}

func (a *api) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	eventID := chi.URLParam(r, "eventId")

	rec, ok := a.inbox.Take(eventID, group)
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "dead letter not found")
		return
	}
	if err := a.replay.ReplayDeadLetter(r.Context(), rec); err != nil {
		a.inbox.Restore(rec)
		a.logger.Error("Dead letter replay failed", err, loggingpkg.LogFields{
			"event_id":       eventID,
			"consumer_group": group,
		})
		writeError(w, r, http.StatusBadGateway, "UNAVAILABLE", "dead letter could not be replayed")
		return
	}
	writeJSON(w, http.StatusAccepted, messageResponse{
		Message: "Dead letter replayed to " + rec.OriginalTopic,
		EventID: rec.EventID,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = jsoncodec.Encode(w, body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	}})
}
