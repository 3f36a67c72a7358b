package response

import "github.com/gin-gonic/gin"

const (
	CodeOK              = 0
	CodeBadRequest      = 40000
	CodeUnauthorized    = 40100
	CodeTokenExpired    = 40101
	CodeForbidden       = 40300
	CodeSessionNotFound = 40401
	CodeSessionClaimed  = 40901
	CodeInternalServer  = 50000
	CodeUnavailable     = 50300
)

type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListData is the data payload of paginated list endpoints.
type ListData struct {
	Items     interface{} `json:"items"`
	Count     int         `json:"count"`
	NextToken string      `json:"next_token,omitempty"`
}

func OK(c *gin.Context, data interface{}) {
	c.JSON(200, APIResponse{
		Code:    CodeOK,
		Message: "ok",
		Data:    data,
	})
}

func List(c *gin.Context, items interface{}, count int, nextToken string) {
	OK(c, ListData{Items: items, Count: count, NextToken: nextToken})
}

func Error(c *gin.Context, httpStatus, code int, message string) {
	c.JSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}

// Abort writes an error envelope and stops the handler chain.
func Abort(c *gin.Context, httpStatus, code int, message string) {
	c.AbortWithStatusJSON(httpStatus, APIResponse{
		Code:    code,
		Message: message,
	})
}
