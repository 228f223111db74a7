package engine

import (
	"context"
	"net/url"
	"strconv"

	"github.com/wangyingjie930/nexus-repair/httpclient"
	"github.com/wangyingjie930/nexus-repair/msg"
)

// HTTPFatalErrorHandler 通过 HTTP 回调把修复升级事件推给处理引擎的
// 致命错误端点，实例地址由 Nacos 服务发现解析。
// 适用于引擎不消费 Kafka 通知、只暴露管理端点的部署形态
type HTTPFatalErrorHandler struct {
	client      *httpclient.Client
	serviceName string
	path        string
}

// NewHTTPFatalErrorHandler 创建基于 HTTP 回调的致命错误通知器
func NewHTTPFatalErrorHandler(client *httpclient.Client, serviceName, path string) *HTTPFatalErrorHandler {
	return &HTTPFatalErrorHandler{
		client:      client,
		serviceName: serviceName,
		path:        path,
	}
}

func (h *HTTPFatalErrorHandler) OnFatalError(ctx context.Context, m *msg.Message, cause error) error {
	params := url.Values{}
	params.Set("msgId", m.MsgID)
	params.Set("sourceSystem", m.SourceSystem)
	params.Set("operation", m.OperationName)
	params.Set("failedCount", strconv.Itoa(m.FailedCount))
	params.Set("errCode", m.FailedErrCode)
	params.Set("errMsg", cause.Error())

	return h.client.CallService(ctx, h.serviceName, h.path, params)
}
