// Package controller provides the HTTP surface for xpertd: the public
// subscription endpoints and the bearer-token-protected admin endpoints.
package controller

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xpert-gate/xpert/logger"
)

type jsonResponse struct {
	Success bool        `json:"success"`
	Msg     string      `json:"msg,omitempty"`
	Obj     interface{} `json:"obj,omitempty"`
}

// jsonMsg writes a success/failure envelope carrying only a message.
func jsonMsg(c *gin.Context, msg string, err error) {
	jsonMsgObj(c, msg, nil, err)
}

// jsonObj writes a success/failure envelope carrying only a payload.
func jsonObj(c *gin.Context, obj interface{}, err error) {
	jsonMsgObj(c, "", obj, err)
}

// jsonMsgObj writes the full envelope. A non-nil err always yields
// success=false and is logged; the HTTP status is chosen by statusFor.
func jsonMsgObj(c *gin.Context, msg string, obj interface{}, err error) {
	if err != nil {
		logger.Warningf("request failed: %s: %v", c.Request.URL.Path, err)
		c.JSON(statusFor(err), jsonResponse{Success: false, Msg: firstNonEmpty(msg, err.Error())})
		return
	}
	c.JSON(http.StatusOK, jsonResponse{Success: true, Msg: msg, Obj: obj})
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// apiError carries the HTTP status an error kind maps to, alongside the
// human-readable message.
type apiError struct {
	status int
	msg    string
}

func (e *apiError) Error() string { return e.msg }

func newAPIError(status int, msg string) error {
	return &apiError{status: status, msg: msg}
}

func statusFor(err error) int {
	if ae, ok := err.(*apiError); ok {
		return ae.status
	}
	return http.StatusInternalServerError
}

// requireBearerToken builds Gin middleware gating admin routes behind a
// single static bearer token.
func requireBearerToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) || header[len(prefix):] != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, jsonResponse{Success: false, Msg: "unauthorized"})
			return
		}
		c.Next()
	}
}
