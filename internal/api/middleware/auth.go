package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/rbutinar/power-bi-catalog/internal/pkg/jwt"
	"github.com/rbutinar/power-bi-catalog/internal/pkg/response"
)

const (
	OperatorKey = "operator"
)

// Auth API 令牌认证中间件，secret 为空时不做认证（本地部署）
func Auth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSecret == "" {
			c.Next()
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			c.Abort()
			return
		}

		claims, err := jwt.ParseToken(tokenString, jwtSecret)
		if err != nil {
			response.AuthError(c, "认证失败或已过期")
			c.Abort()
			return
		}

		c.Set(OperatorKey, claims.Operator)
		c.Next()
	}
}

// bearerToken 读取 Authorization 头；WebSocket 握手无法带头时读取 token 参数
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, true
		}
		response.AuthError(c, "请提供认证信息")
		return "", false
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader {
		response.AuthError(c, "认证格式错误")
		return "", false
	}
	return tokenString, true
}

// GetOperator 从上下文获取调用方
func GetOperator(c *gin.Context) (string, bool) {
	v, exists := c.Get(OperatorKey)
	if !exists {
		return "", false
	}
	op, ok := v.(string)
	return op, ok
}
