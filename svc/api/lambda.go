package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	"psst/svc/util"

	"github.com/aws/aws-lambda-go/events"
	"github.com/pkg/errors"
)

// LambdaHandler adapts h to API Gateway HTTP API (payload v2) events.
func LambdaHandler(h http.Handler) func(context.Context, events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	return func(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
		req, err := requestFromEvent(ctx, ev)
		if err != nil {
			util.Warn().Err(err).Str("route", ev.RouteKey).Msg("malformed gateway event")
			return events.APIGatewayV2HTTPResponse{
				StatusCode: http.StatusBadRequest,
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       `{"error":"invalid request","code":"INVALID_REQUEST"}`,
			}, nil
		}
		rw := newLambdaResponse()
		h.ServeHTTP(rw, req)
		return rw.event(), nil
	}
}

func requestFromEvent(ctx context.Context, ev events.APIGatewayV2HTTPRequest) (*http.Request, error) {
	body := []byte(ev.Body)
	if ev.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return nil, errors.Wrap(err, "decode event body")
		}
		body = decoded
	}
	path := ev.RawPath
	if path == "" {
		path = ev.RequestContext.HTTP.Path
	}
	target := path
	if ev.RawQueryString != "" {
		target += "?" + ev.RawQueryString
	}
	method := ev.RequestContext.HTTP.Method
	if method == "" {
		return nil, errors.New("event has no http method")
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	for k, v := range ev.Headers {
		req.Header.Set(k, v)
	}
	if len(ev.Cookies) > 0 {
		req.Header.Set("Cookie", strings.Join(ev.Cookies, "; "))
	}
	req.ContentLength = int64(len(body))
	req.RequestURI = target
	if ip := ev.RequestContext.HTTP.SourceIP; ip != "" {
		req.RemoteAddr = net.JoinHostPort(ip, "0")
	}
	return req, nil
}

type lambdaResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newLambdaResponse() *lambdaResponse {
	return &lambdaResponse{header: make(http.Header)}
}

func (w *lambdaResponse) Header() http.Header { return w.header }

func (w *lambdaResponse) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *lambdaResponse) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *lambdaResponse) event() events.APIGatewayV2HTTPResponse {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	resp := events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    make(map[string]string, len(w.header)),
		Body:       w.body.String(),
	}
	for k, v := range w.header {
		if k == "Set-Cookie" {
			resp.Cookies = append(resp.Cookies, v...)
			continue
		}
		resp.Headers[k] = strings.Join(v, ", ")
	}
	return resp
}
