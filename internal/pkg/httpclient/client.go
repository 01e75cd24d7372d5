package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Client is a traced outbound HTTP client. Timeouts are driven entirely by
// the request context, never by the transport, so callers keep control.
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
}

// NewClient creates a client with a pooled transport.
func NewClient(tracer trace.Tracer) *Client {
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
	}
}

// Post issues a POST with params encoded into the query string, propagating
// the trace context. A non-200 response is an error.
func (c *Client) Post(ctx context.Context, serviceURL string, params url.Values) error {
	resp, err := c.do(ctx, http.MethodPost, serviceURL, params)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Get issues a GET and returns the response body.
func (c *Client) Get(ctx context.Context, serviceURL string, params url.Values) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, serviceURL, params)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// StatusError reports a non-2xx downstream response. Callers can map the
// code back into a domain error.
type StatusError struct {
	URL  string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s returned status %d: %s", e.URL, e.Code, strings.TrimSpace(e.Body))
}

// PostJSON issues a POST with a JSON body, propagating the trace context, and
// returns the response body. Any 2xx counts as success; anything else is
// returned as a *StatusError.
func (c *Client) PostJSON(ctx context.Context, serviceURL string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(serviceURL)
	if err != nil {
		return nil, err
	}
	spanName := fmt.Sprintf("call-%s", strings.Split(parsedURL.Host, ":")[0])

	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	span.SetAttributes(
		attribute.String("http.url", serviceURL),
		attribute.String("http.method", http.MethodPost),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{URL: serviceURL, Code: resp.StatusCode, Body: string(respBody)}
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, statusErr.Error())
		return nil, statusErr
	}
	return respBody, nil
}

func (c *Client) do(ctx context.Context, method, serviceURL string, params url.Values) (*http.Response, error) {
	parsedURL, err := url.Parse(serviceURL)
	if err != nil {
		return nil, err
	}
	spanName := fmt.Sprintf("call-%s", strings.Split(parsedURL.Host, ":")[0])

	ctx, span := c.Tracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	downstreamURL := *parsedURL
	q := downstreamURL.Query()
	for key, values := range params {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	downstreamURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, downstreamURL.String(), nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("http.url", downstreamURL.String()),
		attribute.String("http.method", method),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		statusErr := &StatusError{URL: serviceURL, Code: resp.StatusCode, Body: string(body)}
		span.RecordError(statusErr)
		span.SetStatus(codes.Error, statusErr.Error())
		return nil, statusErr
	}
	return resp, nil
}
