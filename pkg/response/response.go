package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一 JSON 返回结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Code: 0, Message: "ok", Data: data})
}

func BadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Code: http.StatusBadRequest, Message: msg})
}

func Unauthorized(c *gin.Context, msg string) {
	c.JSON(http.StatusUnauthorized, Response{Code: http.StatusUnauthorized, Message: msg})
}

func NotFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, Response{Code: http.StatusNotFound, Message: msg})
}

func Conflict(c *gin.Context, msg string) {
	c.JSON(http.StatusConflict, Response{Code: http.StatusConflict, Message: msg})
}

// Error 以指定状态码返回
func Error(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Code: status, Message: msg})
}

func InternalError(c *gin.Context, err error) {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(http.StatusInternalServerError, Response{Code: http.StatusInternalServerError, Message: msg})
}
