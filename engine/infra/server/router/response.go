package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope of successful API responses.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func RespondOK(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, Response{Status: http.StatusOK, Message: message, Data: data})
}

func RespondCreated(c *gin.Context, message string, data any) {
	c.JSON(http.StatusCreated, Response{Status: http.StatusCreated, Message: message, Data: data})
}

func RespondAccepted(c *gin.Context, message string, data any) {
	c.JSON(http.StatusAccepted, Response{Status: http.StatusAccepted, Message: message, Data: data})
}

// BindJSON decodes the request body into v, answering 400 on failure.
func BindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		RespondError(c, NewRequestError(http.StatusBadRequest, "invalid request body", err))
		return false
	}
	return true
}
