package webserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/microcosm-cc/bluemonday"

	"github.com/stake-plus/daget/src/claims"
	"github.com/stake-plus/daget/src/custody"
	"github.com/stake-plus/daget/src/idempotency"
	"github.com/stake-plus/daget/src/reservation"
	"github.com/stake-plus/daget/src/types"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	failedPermanentMessage = "settlement failed; the daget creator has been notified"
)

// Reserver takes a campaign slot for a claimant.
type Reserver interface {
	Reserve(ctx context.Context, req reservation.Request) (reservation.Result, error)
}

// ClaimService reads claims and applies operator actions.
type ClaimService interface {
	Status(ctx context.Context, id string) (claims.StatusView, error)
	Retry(ctx context.Context, id string) (claims.StatusView, error)
	Release(ctx context.Context, id string) (claims.StatusView, error)
}

type Claims struct {
	reserver Reserver
	service  ClaimService
	sanitize *bluemonday.Policy
	log      *slog.Logger
}

func NewClaims(r Reserver, s ClaimService, log *slog.Logger) Claims {
	return Claims{reserver: r, service: s, sanitize: bluemonday.StrictPolicy(), log: log}
}

func (h Claims) Create(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required,max=128"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	key := c.GetHeader(headerIdempotencyKey)
	if key == "" || len(key) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"err": "Idempotency-Key header is required (max 128 chars)"})
		return
	}
	if _, _, err := custody.DecodeSS58(req.Address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "address is not a valid SS58 account"})
		return
	}

	res, err := h.reserver.Reserve(c.Request.Context(), reservation.Request{
		Slug:           c.Param("slug"),
		ClaimantID:     c.GetString(ctxSubject),
		Address:        req.Address,
		IdempotencyKey: key,
	})
	if err != nil {
		h.reserveError(c, err)
		return
	}
	if res.Replayed {
		c.Header(headerReplayed, "true")
	}
	c.JSON(http.StatusCreated, res)
}

func (h Claims) reserveError(c *gin.Context, err error) {
	if re, ok := reservation.AsReject(err); ok {
		body := gin.H{"err": re.Reason}
		if re.ClaimID != "" {
			body["claim_id"] = re.ClaimID
		}
		if re.Replayed {
			c.Header(headerReplayed, "true")
		}
		c.JSON(re.Reason.HTTPStatus(), body)
		return
	}
	switch {
	case errors.Is(err, reservation.ErrInvalidRequest), errors.Is(err, idempotency.ErrMissingKey):
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
	case errors.Is(err, idempotency.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"err": "a request with this Idempotency-Key is in flight"})
	case errors.Is(err, idempotency.ErrKeyReused):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"err": "Idempotency-Key was used with a different request"})
	default:
		h.log.Error("reserve failed", "slug", c.Param("slug"), "claimant", c.GetString(ctxSubject), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"err": "internal error"})
	}
}

func (h Claims) Status(c *gin.Context) {
	view, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	if c.GetString(ctxRole) != RoleOperator {
		// Another claimant's claim is reported as missing.
		if view.ClaimantID != c.GetString(ctxSubject) {
			c.JSON(http.StatusNotFound, gin.H{"err": claims.ErrClaimNotFound.Error()})
			return
		}
		view.LastError = ""
		if view.Status == types.ClaimFailedPermanent {
			view.LastError = failedPermanentMessage
		}
	} else {
		view.LastError = h.sanitize.Sanitize(view.LastError)
	}
	c.JSON(http.StatusOK, view)
}

func (h Claims) serviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, claims.ErrClaimNotFound):
		c.JSON(http.StatusNotFound, gin.H{"err": err.Error()})
	case errors.Is(err, claims.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"err": err.Error()})
	default:
		h.log.Error("claim request failed", "path", c.FullPath(), "claim", c.Param("id"), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"err": "internal error"})
	}
}
