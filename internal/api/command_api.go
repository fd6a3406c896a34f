package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/tinywideclouds/go-unitalert-service/internal/triggers"
)

// Commands is the caller-invoked half of *triggers.Triggers.
type Commands interface {
	Announce(ctx context.Context, callerID, message string) (triggers.Result, error)
	PaymentReturn(ctx context.Context, callerID string) (triggers.Result, error)
}

type CommandAPI struct {
	Commands Commands
	Logger   *slog.Logger
}

func NewCommandAPI(commands Commands, logger *slog.Logger) *CommandAPI {
	return &CommandAPI{
		Commands: commands,
		Logger:   logger,
	}
}

type AnnounceRequest struct {
	Message string `json:"message"`
}

// CommandResponse summarises a finished command.
type CommandResponse struct {
	Success      bool   `json:"success"`
	InvocationID string `json:"invocationId"`
	Delivered    int    `json:"delivered"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
}

// --- Announcement ---

func (api *CommandAPI) Announce(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok || callerID == "" {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := api.Commands.Announce(ctx, callerID, req.Message)
	if err != nil {
		api.writeCommandError(w, "Announce", err)
		return
	}
	api.writeResult(w, res)
}

// --- Payment return ---

func (api *CommandAPI) PaymentReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID, ok := middleware.GetUserHandleFromContext(ctx)
	if !ok || callerID == "" {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	// The body carries no fields; an empty body is fine.
	var ignored struct{}
	if err := json.NewDecoder(r.Body).Decode(&ignored); err != nil && !errors.Is(err, io.EOF) {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := api.Commands.PaymentReturn(ctx, callerID)
	if err != nil {
		api.writeCommandError(w, "PaymentReturn", err)
		return
	}
	api.writeResult(w, res)
}

func (api *CommandAPI) writeResult(w http.ResponseWriter, res triggers.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(CommandResponse{
		Success:      true,
		InvocationID: res.InvocationID,
		Delivered:    res.Report.Delivered(),
		Failed:       res.Report.Failed(),
		Skipped:      res.Report.Skipped(),
	})
}

func (api *CommandAPI) writeCommandError(w http.ResponseWriter, op string, err error) {
	status := StatusFor(triggers.KindOf(err))
	msg := "internal error"
	var ce *triggers.CommandError
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	if status >= http.StatusInternalServerError {
		api.Logger.Error(op+": command failed", "err", err)
	} else {
		api.Logger.Warn(op+": command rejected", "err", err)
	}
	response.WriteJSONError(w, status, msg)
}

// StatusFor maps a command error kind to its HTTP status.
func StatusFor(kind triggers.Kind) int {
	switch kind {
	case triggers.KindInvalidArgument:
		return http.StatusBadRequest
	case triggers.KindUnauthenticated:
		return http.StatusUnauthorized
	case triggers.KindPermissionDenied:
		return http.StatusForbidden
	case triggers.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
