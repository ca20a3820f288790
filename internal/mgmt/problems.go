package mgmt

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/storyforge/internal/errors"
)

// problemResponse returns an RFC 7807 Problem Detail error response.
func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	})
}

// errorResponse maps a domain error onto a problem response. Errors that
// match no sentinel are returned to the fiber error handler as 500s.
func errorResponse(c *fiber.Ctx, err error) error {
	status, errType := classifyError(err)
	if status == fiber.StatusInternalServerError {
		return err
	}
	return problemResponse(c, status, errType, statusTitle(status), err.Error())
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, perrors.ErrNotFound):
		return fiber.StatusNotFound, "not_found"
	case errors.Is(err, perrors.ErrInvalidInput):
		return fiber.StatusBadRequest, "invalid_input"
	case errors.Is(err, perrors.ErrBuildActive):
		return fiber.StatusConflict, "build_active"
	case errors.Is(err, perrors.ErrMergeConflict):
		return fiber.StatusConflict, "merge_conflict"
	case errors.Is(err, perrors.ErrNoSnapshot):
		return fiber.StatusConflict, "no_snapshot"
	case errors.Is(err, perrors.ErrUnsupported):
		return fiber.StatusNotImplemented, "unsupported"
	case errors.Is(err, perrors.ErrUnavailable):
		return fiber.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, perrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout, "timeout"
	}
	return fiber.StatusInternalServerError, "internal_error"
}

func statusTitle(status int) string {
	if t := http.StatusText(status); t != "" {
		return t
	}
	return "Error"
}

func badRequest(c *fiber.Ctx, errType, detail string) error {
	return problemResponse(c, fiber.StatusBadRequest, errType, "Bad Request", detail)
}
