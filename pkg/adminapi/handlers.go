// Copyright 2024-2026 Aiku AI

package adminapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"

	"github.com/aiku/feedback-relay/pkg/relay"
	"github.com/aiku/feedback-relay/pkg/relaydb"
)

const (
	defaultFeedbackLimit = 50
	maxFeedbackLimit     = 500
)

var validate = validator.New()

type broadcastRequest struct {
	Targets []int64 `json:"targets" validate:"required_without=All,excluded_with=All,dive,ne=0"`
	All     bool    `json:"all"`
	Text    string  `json:"text" validate:"required,max=4096"`
}

type linkResponse struct {
	RelayMessageID  relay.MessageID `json:"relay_message_id"`
	CorrespondentID relay.UserID    `json:"correspondent_id"`
}

type feedbackResponse struct {
	Entries []*relaydb.Feedback `json:"entries"`
}

// handleBroadcast is POST /api/broadcast.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req broadcastRequest
	if err = json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err = validateStruct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := hlog.FromRequest(r)
	content := relay.Content{Text: req.Text}
	var result *relay.BroadcastResult
	if req.All {
		result, err = s.relay.BroadcastAll(r.Context(), content)
		if err != nil {
			log.Err(err).Msg("Broadcast to all correspondents failed")
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		targets := make([]relay.UserID, len(req.Targets))
		for i, target := range req.Targets {
			targets[i] = relay.UserID(target)
		}
		result = s.relay.Broadcast(r.Context(), targets, content)
	}
	log.Info().
		Stringer("broadcast_id", result.ID).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("Broadcast requested through admin API")
	exhttp.WriteJSONResponse(w, http.StatusOK, result)
}

// handleGetLink is GET /api/links/{id}.
func (s *Server) handleGetLink(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "relay message id must be an integer")
		return
	}
	correspondent, err := s.relay.LookupCorrespondent(r.Context(), relay.MessageID(id))
	var storeErr *relay.StoreError
	switch {
	case errors.Is(err, relay.ErrCorrelationMiss):
		writeError(w, http.StatusNotFound, "no link for this message")
	case errors.As(err, &storeErr):
		hlog.FromRequest(r).Err(err).Int64("relay_message_id", id).Msg("Link lookup failed")
		writeError(w, http.StatusServiceUnavailable, "correlation store unavailable")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		exhttp.WriteJSONResponse(w, http.StatusOK, &linkResponse{
			RelayMessageID:  relay.MessageID(id),
			CorrespondentID: correspondent,
		})
	}
}

// handleFeedback is GET /api/feedback?limit=N.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	limit := defaultFeedbackLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(limit, maxFeedbackLimit)
	}
	entries, err := s.feedback.Latest(r.Context(), limit)
	if err != nil {
		hlog.FromRequest(r).Err(err).Msg("Failed to read feedback log")
		writeError(w, http.StatusInternalServerError, "failed to read feedback log")
		return
	}
	if entries == nil {
		entries = []*relaydb.Feedback{}
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &feedbackResponse{Entries: entries})
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	msgs := make([]string, len(validationErrors))
	for i, e := range validationErrors {
		msgs[i] = formatFieldError(e)
	}
	return errors.New(strings.Join(msgs, "; "))
}

func formatFieldError(e validator.FieldError) string {
	field := strings.ToLower(e.Field())
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_without":
		return fmt.Sprintf("%s is required unless all is set", field)
	case "excluded_with":
		return fmt.Sprintf("%s can't be combined with all", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, e.Param())
	case "ne":
		return fmt.Sprintf("%s must not contain %s", strings.TrimRight(field, "[0123456789]"), e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
