package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RunPayouts triggers a settlement sweep outside the scheduled cadence.
// The batches are watched asynchronously, so the call answers as soon as
// they are submitted.
func (s *Server) RunPayouts(c *gin.Context) {
	watcher, err := s.payouts.ProcessUnpaid(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if watcher == nil {
		c.JSON(http.StatusOK, gin.H{"status": "idle"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
}
