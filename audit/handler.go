package audit

import (
	"errors"
	"net/http"

	"docchat_back/authorization"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts /audit. Users read their own log; admins may read
// anyone's.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, recorder *Recorder) error {
	if recorder == nil {
		return errors.New("audit: recorder is required")
	}

	group := router.Group("/audit")
	group.Use(guard.RequireAuthenticated())
	group.GET("/logs", func(c *gin.Context) {
		entries, err := recorder.ListFor(c.Request.Context(), authorization.Principal(c))
		if err != nil {
			recorder.logger.Error("list audit entries failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit log"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"logs": entries})
	})

	admin := group.Group("")
	admin.Use(guard.RequireRole("admin"))
	admin.GET("/users/:email/logs", func(c *gin.Context) {
		principal := authorization.NormalizeEmail(c.Param("email"))
		entries, err := recorder.ListFor(c.Request.Context(), principal)
		if err != nil {
			recorder.logger.Error("list audit entries failed", "principal", principal, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit log"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"principal": principal, "logs": entries})
	})
	return nil
}
