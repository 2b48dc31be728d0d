package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/basket/agentcore/internal/orchestrator"
	"github.com/basket/agentcore/internal/permission"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/router"
	"github.com/basket/agentcore/internal/sandbox"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/toolhub"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// writeError maps the component error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		denied    *permission.DeniedError
		permVal   *permission.ValidationError
		plugVal   *sandbox.ValidationError
		fault     *sandbox.PluginFault
		argsErr   *toolhub.ArgsError
		routeErr  *router.RouteError
		badInput  *badRequestError
		maxBytes  *http.MaxBytesError
		syntaxErr *json.SyntaxError
	)
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "permission_denied", Message: err.Error(), Reason: string(denied.Reason)})
	case errors.As(err, &permVal), errors.As(err, &plugVal), errors.As(err, &argsErr), errors.As(err, &badInput), errors.As(err, &syntaxErr):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &maxBytes):
		writeJSONError(w, http.StatusRequestEntityTooLarge, "too_large", err.Error())
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, toolhub.ErrUnknownTool):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, persistence.ErrAlreadyResolved), errors.Is(err, persistence.ErrConflict),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, sandbox.ErrPluginDisabled):
		writeJSONError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, orchestrator.ErrCapacity):
		writeJSONError(w, http.StatusTooManyRequests, "capacity", err.Error())
	case errors.Is(err, router.ErrInvalidTaskType), errors.Is(err, router.ErrUnknownModel),
		errors.Is(err, scheduler.ErrUnknownAction), errors.Is(err, scheduler.ErrInvalidTask):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &fault):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "plugin_fault", Message: err.Error(), Reason: fault.Reason})
	case errors.As(err, &routeErr), errors.Is(err, router.ErrNoModels), errors.Is(err, router.ErrNoModelFits):
		writeJSONError(w, http.StatusBadGateway, "model_unavailable", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(msg string) error { return &badRequestError{msg: msg} }

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		return badRequest("decode body: " + err.Error())
	}
	return nil
}
