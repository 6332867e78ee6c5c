package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"syncsession/internal/auth"
)

// Auth 业务层编程接口的准入：Bearer token 交给注入的 Authenticator 校验，
// 通过后把身份写入 gin.Context 供 handler 使用。
func Auth(authn auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c.GetHeader("Authorization"))
		if token == "" {
			// 兼容无法自定义 Header 的调用方，允许 ?token=
			token = strings.TrimSpace(c.Query("token"))
		}

		identity, err := authn.Authenticate(c.Request.Context(), "", "", token)
		if err != nil {
			c.AbortWithStatusJSON(401, gin.H{
				"code":    "AUTHENTICATION_FAILED",
				"message": "missing or invalid token",
			})
			return
		}
		c.Set("userId", identity.UserID)
		c.Set("platform", identity.Platform)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
