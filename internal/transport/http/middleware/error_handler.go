// Package middleware file: internal/transport/http/middleware/error_handler.go
package middleware

import (
	"errors"
	"net/http"

	"github.com/OpenGov-Watch/opengov-monitor-sub004/internal/core/port"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ErrorHandlingMiddleware 是一个 Gin 中间件，用于集中处理错误。
// 处理器通过 c.Error(err) 附加错误，由这里统一映射为 { "error": string } 响应；
// 不向外暴露堆栈或内部标识。
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// 只处理最后一个错误，它通常是根本原因
		err := c.Errors.Last().Err

		// 参数绑定 / 验证错误 → 400
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request validation failed: " + ve.Error()})
			return
		}

		// 授权门拒绝 → 400，原样透出具体原因
		var cve *port.ConfigValidationError
		if errors.As(err, &cve) {
			c.JSON(http.StatusBadRequest, gin.H{"error": cve.Reason})
			return
		}

		switch {
		case errors.Is(err, port.ErrStoreUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})

		default:
			// 组装期与执行期错误都按服务端错误处理：它们代表校验器的缺口，
			// 不是预期中的拒绝。消息透出，堆栈不透出。
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}
