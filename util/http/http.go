package http

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mocks/http.go -package=mocks . IClient
type IClient interface {
	DoHTTPRequest(ctx context.Context, requestParam *RequestParam) error
}

// RequestParam 描述一次 HTTP 请求
//
// Body 支持 nil、io.Reader、[]byte，其余类型按 JSON 序列化。
// Response 非 nil 时把响应体按 JSON 解析进去；类型为 *[]byte 时保存原始字节。
type RequestParam struct {
	RequestURI string
	Method     string
	Header     map[string]string
	Query      map[string]string
	Body       interface{}
	Response   interface{}

	Timeout time.Duration
}
