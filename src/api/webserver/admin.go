package webserver

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/daget/src/claims"
)

// Retry moves a failed_permanent claim back into the settlement queue.
func (h Claims) Retry(c *gin.Context) {
	h.operate(c, "retry", h.service.Retry)
}

// Release gives a failed_permanent claim's amount back to the pool.
func (h Claims) Release(c *gin.Context) {
	h.operate(c, "release", h.service.Release)
}

func (h Claims) operate(c *gin.Context, action string, fn func(context.Context, string) (claims.StatusView, error)) {
	id := c.Param("id")
	view, err := fn(c.Request.Context(), id)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	h.log.Info("operator action", "action", action, "claim", id, "operator", c.GetString(ctxSubject), "status", view.Status)
	view.LastError = h.sanitize.Sanitize(view.LastError)
	c.JSON(http.StatusOK, view)
}
