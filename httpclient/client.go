package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/wangyingjie930/nexus-repair/nacos"
)

// Client 是一个可追踪的、可注入的HTTP客户端
// 修复子系统用它向处理引擎回调（例如致命错误端点），目标实例通过 Nacos 发现
type Client struct {
	Tracer      trace.Tracer
	HTTPClient  *http.Client
	NacosClient *nacos.Client
}

// NewClient 创建一个新的客户端实例
// 不设置 http.Client 的 Timeout 字段，超时完全受控于每次请求传入的 context
func NewClient(tracer trace.Tracer, ncClient *nacos.Client) *Client {
	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
		},
	}
	return &Client{
		Tracer:      tracer,
		HTTPClient:  httpClient,
		NacosClient: ncClient,
	}
}

// Post 向一个完整的服务URL发起POST回调，参数作为查询字符串
func (c *Client) Post(ctx context.Context, serviceURL string, params url.Values) error {
	parsedURL, err := url.Parse(serviceURL)
	if err != nil {
		return err
	}

	downstreamURL := *parsedURL
	q := downstreamURL.Query()
	for key, values := range params {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	downstreamURL.RawQuery = q.Encode()

	spanName := fmt.Sprintf("call-%s", parsedURL.Hostname())
	return c.do(ctx, spanName, downstreamURL.String(), nil)
}

// CallService 通过服务名进行回调
// serviceName: 要调用的服务名, e.g., "nexus-engine"
// requestPath: 具体的请求路径, e.g., "/asynch/error/fatal"
func (c *Client) CallService(ctx context.Context, serviceName, requestPath string, params url.Values) error {
	// 通过 Nacos 发现一个健康的服务实例
	instanceIP, instancePort, err := c.NacosClient.DiscoverServiceInstance(serviceName)
	if err != nil {
		// 服务发现失败是严重错误，直接返回
		return fmt.Errorf("failed to discover service '%s': %w", serviceName, err)
	}

	serviceURL := fmt.Sprintf("http://%s:%d%s", instanceIP, instancePort, requestPath)
	if len(params) > 0 {
		serviceURL += "?" + params.Encode()
	}

	attrs := []attribute.KeyValue{
		attribute.String("net.peer.name", instanceIP),
		attribute.Int("net.peer.port", instancePort),
		attribute.String("service.name.discovered", serviceName),
	}
	return c.do(ctx, fmt.Sprintf("call-%s", serviceName), serviceURL, attrs)
}

// do 是 Post 与 CallService 共用的请求执行逻辑：开 Span、注入追踪头、校验状态码
func (c *Client) do(ctx context.Context, spanName, serviceURL string, extraAttrs []attribute.KeyValue) error {
	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		attribute.String("http.url", serviceURL),
		attribute.String("http.method", "POST"),
	)
	span.SetAttributes(extraAttrs...)

	req, err := http.NewRequestWithContext(ctx, "POST", serviceURL, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("service %s returned status %s", serviceURL, resp.Status)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
