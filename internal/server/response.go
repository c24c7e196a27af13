package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gold-monitor/internal/chart"
	"gold-monitor/internal/config"
	"gold-monitor/internal/service"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorResponse{Success: false, Message: message})
}

// handleError maps domain errors to HTTP responses.
func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, config.ErrInvalidSettings):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNoSnapshot):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, chart.ErrNotEnoughData):
		respondError(c, http.StatusNotFound, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, err.Error())
	}
}
