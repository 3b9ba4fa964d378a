package prescription

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rxtrust/rxtrust/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/prescriptions", h.CreatePrescription, auth.RequireRole("prescriber"))
	api.GET("/prescriptions/:id", h.GetPrescription)
	api.GET("/prescriptions/:id/status", h.GetStatus)
	api.POST("/prescriptions/:id/share", h.Share)
	api.POST("/prescriptions/:id/lock", h.Lock)
	api.POST("/prescriptions/:id/redeem", h.Redeem)
	api.GET("/prescriptions/:id/audit", h.AuditTrail)
}

// recordResponse is what callers see of a stored prescription.
type recordResponse struct {
	ID              uuid.UUID     `json:"id"`
	Content         Content       `json:"content"`
	DataHash        string        `json:"dataHash"`
	HashVersion     int           `json:"hashVersion"`
	LedgerTxRef     *string       `json:"ledgerTxRef"`
	LedgerNetwork   *string       `json:"ledgerNetwork"`
	LedgerConfirmed *bool         `json:"ledgerConfirmed"`
	AnchorStatus    AnchorStatus  `json:"anchorStatus"`
	IsLocked        bool          `json:"isLocked"`
	OTPExpiresAt    *time.Time    `json:"otpExpiresAt"`
	CreatedAt       time.Time     `json:"createdAt"`
	Verification    *Verification `json:"verification,omitempty"`
}

func newRecordResponse(v *View) recordResponse {
	r := v.Record
	verification := v.Verification
	return recordResponse{
		ID:              r.ID,
		Content:         r.Content,
		DataHash:        r.DataHash,
		HashVersion:     r.HashVersion,
		LedgerTxRef:     r.LedgerTxRef,
		LedgerNetwork:   r.LedgerNetwork,
		LedgerConfirmed: r.LedgerConfirmed,
		AnchorStatus:    r.Anchor.Status,
		IsLocked:        r.IsLocked,
		OTPExpiresAt:    r.OTPExpiresAt,
		CreatedAt:       r.CreatedAt,
		Verification:    &verification,
	}
}

type redeemRequest struct {
	Code string `json:"code"`
}

// CreatePrescription stores a prescription authored by the caller.
func (h *Handler) CreatePrescription(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	b, err := ParseContent(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	caller := auth.UserIDFromContext(c.Request().Context())
	if caller != "" {
		b.AuthorID(caller)
	}
	content, err := b.Build()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	created, err := h.svc.CreateAndAnchor(c.Request().Context(), content)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	caller := auth.UserIDFromContext(c.Request().Context())
	view, err := h.svc.GatedFetch(c.Request().Context(), id, caller)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, newRecordResponse(view))
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	st, err := h.svc.Status(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Share(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	caller := auth.UserIDFromContext(c.Request().Context())
	grant, err := h.svc.Share(c.Request().Context(), id, caller)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, grant)
}

func (h *Handler) Lock(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	caller := auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.Lock(c.Request().Context(), id, caller); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Redeem(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req redeemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	caller := auth.UserIDFromContext(c.Request().Context())
	if caller == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "caller identity required")
	}
	if err := h.svc.RedeemOTP(c.Request().Context(), id, req.Code, caller); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AuditTrail lists recorded actions on a prescription for its owner.
func (h *Handler) AuditTrail(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
	}
	caller := auth.UserIDFromContext(c.Request().Context())
	events, err := h.svc.AuditTrail(c.Request().Context(), id, caller, limit)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// errorResponse maps service errors to HTTP errors. Access denials carry a
// machine-readable reason instead of a message.
func errorResponse(err error) error {
	var denied *AccessDeniedError
	switch {
	case errors.As(err, &denied):
		code := http.StatusForbidden
		if errors.Is(err, ErrTooManyAttempts) {
			code = http.StatusTooManyRequests
		}
		return echo.NewHTTPError(code, map[string]interface{}{
			"reason":      denied.Reason,
			"requiresOtp": denied.RequiresOTP,
		})
	case errors.Is(err, ErrInvalidContent):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "prescription not found")
	case errors.Is(err, ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrAuditUnavailable):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}
