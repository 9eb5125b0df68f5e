package server

import (
	"errors"
	"net/http"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, conversation.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, conversation.ErrPipelineFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = writeError(c, he.Code, "http", msg)
		return
	}

	status := statusForError(err)
	kind := conversation.ErrorKind(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("uri", c.Request().RequestURI).Msg("request failed")
		msg = "internal error"
	}
	_ = writeError(c, status, kind, msg)
}

func writeError(c echo.Context, status int, kind string, msg string) error {
	return c.JSON(status, errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}
