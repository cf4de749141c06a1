package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 业务码，HTTP 状态始终为 200
const (
	CodeSuccess          = 0
	CodeParamError       = 1000
	CodeAuthFailed       = 1001
	CodeResourceNotFound = 1003
	CodeStateConflict    = 1005
	CodeUnavailable      = 1006
	CodeServerError      = 5000
)

var defaultMessages = map[int]string{
	CodeSuccess:          "success",
	CodeParamError:       "参数错误",
	CodeAuthFailed:       "认证失败",
	CodeResourceNotFound: "资源不存在",
	CodeStateConflict:    "当前状态不允许此操作",
	CodeUnavailable:      "服务暂不可用",
	CodeServerError:      "服务器内部错误",
}

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Message 业务码的默认消息，未知业务码返回空串
func Message(code int) string {
	return defaultMessages[code]
}

func write(c *gin.Context, code int, message string, data interface{}) {
	if message == "" {
		message = Message(code)
	}
	resp := Response{Code: code, Message: message, Data: data}
	if code == CodeSuccess {
		c.JSON(http.StatusOK, resp)
		return
	}
	// 错误响应终止后续中间件和处理器
	c.AbortWithStatusJSON(http.StatusOK, resp)
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	write(c, CodeSuccess, "", data)
}

// SuccessWithMessage 带自定义消息的成功响应
func SuccessWithMessage(c *gin.Context, message string, data interface{}) {
	write(c, CodeSuccess, message, data)
}

// Error 错误响应，message 为空时使用默认消息
func Error(c *gin.Context, code int, message string) {
	write(c, code, message, nil)
}

// ErrorWithData 错误响应并附带当前状态，如已结束任务的快照
func ErrorWithData(c *gin.Context, code int, message string, data interface{}) {
	write(c, code, message, data)
}

func ParamError(c *gin.Context, message string)       { Error(c, CodeParamError, message) }
func AuthError(c *gin.Context, message string)        { Error(c, CodeAuthFailed, message) }
func NotFoundError(c *gin.Context, message string)    { Error(c, CodeResourceNotFound, message) }
func ConflictError(c *gin.Context, message string)    { Error(c, CodeStateConflict, message) }
func UnavailableError(c *gin.Context, message string) { Error(c, CodeUnavailable, message) }
func ServerError(c *gin.Context, message string)      { Error(c, CodeServerError, message) }
