package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// RequireValidID ensures the named path param is a valid int > 0.
func RequireValidID(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		idStr := c.Param(param)
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		c.Next()
	}
}
