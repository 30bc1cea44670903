// Package response renders the HTTP JSON envelopes: OK/Accepted/Error
// helpers over echo.Context, plus the error-kind envelope the
// admission pipeline needs.
package response

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/DonTee-Why/logstack/internal/apperr"
)

// ErrorBody is the JSON shape of every non-2xx response: a
// machine-readable code plus a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OK sends a 200 response with data as the body.
func OK(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

// Accepted sends the 202 ingest-success envelope.
func Accepted(c echo.Context, accepted int, segmentSeq uint64) error {
	return c.JSON(http.StatusAccepted, map[string]any{
		"accepted":    accepted,
		"segment_seq": segmentSeq,
	})
}

// Error renders an apperr.Error as its mapped HTTP status and code.
func Error(c echo.Context, err *apperr.Error) error {
	return c.JSON(err.Status(), ErrorBody{Code: string(err.Kind), Message: err.Message})
}

// Errorf builds and renders an apperr.Error in one call.
func Errorf(c echo.Context, kind apperr.Kind, format string, args ...any) error {
	return Error(c, apperr.Newf(kind, format, args...))
}
