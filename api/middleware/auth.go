package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/foragehq/forage/models"
	"github.com/foragehq/forage/rpc"
)

// Auth returns API-key authentication middleware.
//
// Supports two header styles:
//
//	X-API-Key: <key>
//	Authorization: Bearer <key>
//
// If apiKeys is empty, the middleware is a no-op (open access).
func Auth(apiKeys []string) gin.HandlerFunc {
	if len(apiKeys) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	keySet := make(map[string]struct{}, len(apiKeys))
	for _, k := range apiKeys {
		if k != "" {
			keySet[k] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		key := extractAPIKey(c)
		if key == "" {
			abortRPC(c, http.StatusUnauthorized, rpc.CodeUnauthorized, models.ErrCodeUnauthorized,
				"missing API key: provide X-API-Key header or Authorization: Bearer <key>")
			return
		}

		if _, valid := keySet[key]; !valid {
			abortRPC(c, http.StatusUnauthorized, rpc.CodeUnauthorized, models.ErrCodeUnauthorized,
				"invalid API key")
			return
		}

		c.Set("api_key", key)
		c.Next()
	}
}

// extractAPIKey tries X-API-Key first, then Authorization: Bearer.
func extractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("X-API-Key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// abortRPC rejects the request before the RPC layer reads the body, so
// the envelope's id is null. The taxonomy code rides in error.data the
// same way scrape failures carry theirs.
func abortRPC(c *gin.Context, httpStatus, rpcCode int, taxonomy, message string) {
	c.AbortWithStatusJSON(httpStatus, rpc.NewError(nil, &rpc.Error{
		Code:    rpcCode,
		Message: message,
		Data:    &models.ErrorDetail{Code: taxonomy, Message: message},
	}))
}
