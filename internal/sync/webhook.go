package sync

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/pg_couchsync/internal/remote"
)

// NewWebhookRouter builds the HTTP router for pushed document changes. The
// endpoint accepts one document per POST and always answers 200 on valid
// requests so webhook senders do not retry application-level no-ops.
func NewWebhookRouter(proc *Processor, secret string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/webhook/change", handleChange(proc, secret))
	return router
}

func handleChange(proc *Processor, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && c.GetHeader("Authorization") != "Bearer "+secret {
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}

		var doc remote.Document
		if err := c.ShouldBindJSON(&doc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid document body"})
			return
		}

		ch := remote.Change{
			ID:      doc.ID(),
			Deleted: doc.IsDeleted(),
			Doc:     doc,
		}

		if err := proc.Apply(c.Request.Context(), ch); err != nil {
			// processing failures are not surfaced to the sender; the next
			// feed poll re-delivers the change
			logrus.WithError(err).WithField("remote_id", ch.ID).Error("Webhook change processing failed")
			c.JSON(http.StatusOK, gin.H{"ok": true, "result": "deferred"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
