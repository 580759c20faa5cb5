package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeNotFound    = 404
	CodeServerError = 500
)

// 账务业务码，与 ledger.Code 一一对应
const (
	CodeBalanceNotFound      = 1001
	CodeInsufficientFunds    = 1002
	CodeDuplicateTransaction = 1003
	CodeConflict             = 1004
	CodeTransactionNotFound  = 1005
	CodeInvalidRequest       = 1006
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

// NotFound 路由不存在
func NotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, Response{
		Code:    CodeNotFound,
		Message: "接口不存在: " + c.Request.Method + " " + c.Request.URL.Path,
	})
}

// ServerError 基础设施故障，HTTP 状态码同样返回 500，调用方可重试
func ServerError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Code:    CodeServerError,
		Message: message,
	})
}

// BusinessError 业务拒绝，HTTP 200 + 业务码，可以带上下文数据
func BusinessError(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}
