package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/catalogkit/assetview/internal/errors"
	"github.com/catalogkit/assetview/internal/events"
	"github.com/catalogkit/assetview/internal/imageresolver"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/viewport"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"` // request id of the failed request
}

// ResolveItem is one product and variant to resolve
type ResolveItem struct {
	Product imageresolver.Product `json:"product"`
	Variant string                `json:"variant,omitempty"`
}

// ResolveRequest is the body of POST /api/v1/resolve
type ResolveRequest struct {
	Items []ResolveItem `json:"items"`
}

// ResolveResult is the candidate chosen for one item
type ResolveResult struct {
	ProductID string                `json:"product_id"`
	Variant   imageresolver.Variant `json:"variant"`
	URL       string                `json:"url"`
	Source    imageresolver.Source  `json:"source"`
}

// ResolveResponse is the response of POST /api/v1/resolve
type ResolveResponse struct {
	Results []ResolveResult `json:"results"`
}

// RenderRequest is the body of POST /api/v1/render
type RenderRequest struct {
	Product imageresolver.Product    `json:"product"`
	Variant string                   `json:"variant,omitempty"`
	Slot    imageresolver.SlotConfig `json:"slot"`
}

// RenderResponse reports the state a rendered slot settled in
type RenderResponse struct {
	imageresolver.SlotStatus
	Settled bool `json:"settled"`
}

// MountRequest is the body of POST /api/v1/slots
type MountRequest struct {
	Element string                   `json:"element"`
	Product imageresolver.Product    `json:"product"`
	Variant string                   `json:"variant,omitempty"`
	Slot    imageresolver.SlotConfig `json:"slot"`
}

// SlotResponse describes a mounted slot
type SlotResponse struct {
	ID     string                   `json:"id"`
	Status imageresolver.SlotStatus `json:"status"`
}

// VisibilityEntry is one visibility change observed by the host
type VisibilityEntry struct {
	Element      string  `json:"element"`
	Intersecting bool    `json:"intersecting"`
	Ratio        float64 `json:"ratio"`
}

// VisibilityRequest is the body of POST /api/v1/visibility
type VisibilityRequest struct {
	Entries []VisibilityEntry `json:"entries"`
}

// InvalidateResponse reports how many slots an invalidation reset
type InvalidateResponse struct {
	ProductID  string `json:"product_id"`
	ResetSlots int    `json:"reset_slots"`
}

// EventResponse acknowledges a regeneration event
type EventResponse struct {
	ID       uuid.UUID `json:"id"`
	Accepted bool      `json:"accepted"`
}

// resolve handles POST /api/v1/resolve
func (s *Server) resolve(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	if len(req.Items) == 0 {
		return s.handleError(c, nil, "items must not be empty", http.StatusBadRequest)
	}
	if len(req.Items) > MaxBatchSize {
		return s.handleError(c, nil, fmt.Sprintf("at most %d items per request", MaxBatchSize), http.StatusBadRequest)
	}

	resp := ResolveResponse{Results: make([]ResolveResult, 0, len(req.Items))}
	for i, item := range req.Items {
		v, err := parseVariant(item.Variant)
		if err != nil {
			return s.handleError(c, err, fmt.Sprintf("item %d: invalid variant", i), http.StatusBadRequest)
		}
		cand := s.service.Resolve(item.Product, v)
		resp.Results = append(resp.Results, ResolveResult{
			ProductID: item.Product.ID,
			Variant:   v,
			URL:       cand.URL,
			Source:    cand.Source,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// render handles POST /api/v1/render
func (s *Server) render(c echo.Context) error {
	var req RenderRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	v, err := parseVariant(req.Variant)
	if err != nil {
		return s.handleError(c, err, "invalid variant", http.StatusBadRequest)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.RenderTimeout)
	defer cancel()

	st, err := s.service.Render(ctx, req.Product, v, req.Slot)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, RenderResponse{SlotStatus: st, Settled: true})
	case errors.Is(err, context.DeadlineExceeded):
		// still recovering; report where it got to
		return c.JSON(http.StatusAccepted, RenderResponse{SlotStatus: st})
	default:
		return s.handleError(c, err, "render failed", http.StatusInternalServerError)
	}
}

// mountSlot handles POST /api/v1/slots
func (s *Server) mountSlot(c echo.Context) error {
	var req MountRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	v, err := parseVariant(req.Variant)
	if err != nil {
		return s.handleError(c, err, "invalid variant", http.StatusBadRequest)
	}

	id, st, err := s.service.Mount(viewport.ElementID(strings.TrimSpace(req.Element)), req.Product, v, req.Slot)
	if err != nil {
		return s.handleError(c, err, "mount failed", statusFor(err))
	}
	return c.JSON(http.StatusCreated, SlotResponse{ID: id, Status: st})
}

// getSlot handles GET /api/v1/slots/:id
func (s *Server) getSlot(c echo.Context) error {
	id := c.Param("id")
	st, ok := s.service.Slot(id)
	if !ok {
		return s.handleError(c, nil, "slot not found", http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, SlotResponse{ID: id, Status: st})
}

// unmountSlot handles DELETE /api/v1/slots/:id
func (s *Server) unmountSlot(c echo.Context) error {
	if !s.service.Unmount(c.Param("id")) {
		return s.handleError(c, nil, "slot not found", http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

// visibility handles POST /api/v1/visibility
func (s *Server) visibility(c echo.Context) error {
	var req VisibilityRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	if len(req.Entries) > MaxBatchSize {
		return s.handleError(c, nil, fmt.Sprintf("at most %d entries per request", MaxBatchSize), http.StatusBadRequest)
	}

	now := time.Now()
	entries := make([]viewport.IntersectionEntry, 0, len(req.Entries))
	for i, e := range req.Entries {
		if e.Element == "" {
			return s.handleError(c, nil, fmt.Sprintf("entry %d: element is required", i), http.StatusBadRequest)
		}
		if e.Ratio < 0 || e.Ratio > 1 {
			return s.handleError(c, nil, fmt.Sprintf("entry %d: ratio must be between 0 and 1", i), http.StatusBadRequest)
		}
		entries = append(entries, viewport.IntersectionEntry{
			Element:        viewport.ElementID(e.Element),
			IsIntersecting: e.Intersecting,
			Ratio:          e.Ratio,
			Time:           now,
		})
	}
	s.service.Dispatch(entries...)
	return c.JSON(http.StatusAccepted, map[string]int{"dispatched": len(entries)})
}

// invalidate handles POST /api/v1/products/:id/invalidate
func (s *Server) invalidate(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return s.handleError(c, nil, "product id is required", http.StatusBadRequest)
	}
	n := s.service.Invalidate(id)
	s.logger.Info("product invalidated via API",
		logger.String("product_id", id),
		logger.Int("reset_slots", n))
	return c.JSON(http.StatusOK, InvalidateResponse{ProductID: id, ResetSlots: n})
}

// regenerationEvent handles POST /api/v1/events/regeneration
func (s *Server) regenerationEvent(c echo.Context) error {
	var e events.RegenerationEvent
	if err := c.Bind(&e); err != nil {
		return s.handleError(c, err, "invalid event body", http.StatusBadRequest)
	}
	e.ProductID = strings.TrimSpace(e.ProductID)
	if e.ProductID == "" {
		return s.handleError(c, nil, "product_id is required", http.StatusBadRequest)
	}
	if !e.Phase.Valid() {
		return s.handleError(c, nil, fmt.Sprintf("unknown phase %q", e.Phase), http.StatusBadRequest)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	if !s.service.Publish(e) {
		return s.handleError(c, nil, "event bus is full", http.StatusServiceUnavailable)
	}
	return c.JSON(http.StatusAccepted, EventResponse{ID: e.ID, Accepted: true})
}

// stats handles GET /api/v1/stats
func (s *Server) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Stats())
}

func parseVariant(name string) (imageresolver.Variant, error) {
	if strings.TrimSpace(name) == "" {
		return imageresolver.VariantResponsive, nil
	}
	return imageresolver.ParseVariant(name)
}

// statusFor maps an error category to an HTTP status
func statusFor(err error) int {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryState):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError writes an ErrorResponse tagged with the request id
func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	resp := ErrorResponse{
		Error:         message,
		Message:       message,
		Code:          code,
		CorrelationID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("message", message),
		logger.Int("code", code),
		logger.String("path", c.Request().URL.Path),
		logger.String("method", c.Request().Method),
		logger.String("ip", c.RealIP()),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("API error", fields...)
	} else {
		s.logger.Debug("API error", fields...)
	}
	return c.JSON(code, resp)
}

// handleHTTPError renders echo errors (unknown routes, body limits, panics)
// in the same shape as handler errors
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		message = fmt.Sprint(he.Message)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = s.handleError(c, nil, message, code)
}
