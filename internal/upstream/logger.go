package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

type logContextKey string

const (
	requestLoggerKey logContextKey = "upstream_logger"
	requestStartKey  logContextKey = "upstream_start"
)

// restySlogLogger implements [resty.Logger] on top of a [slog.Logger].
type restySlogLogger struct {
	logger *slog.Logger
}

func (s restySlogLogger) Errorf(format string, v ...any) {
	s.logger.Error(fmt.Sprintf(format, v...))
}

func (s restySlogLogger) Warnf(format string, v ...any) {
	s.logger.Warn(fmt.Sprintf(format, v...))
}

func (s restySlogLogger) Debugf(format string, v ...any) {
	s.logger.Debug(fmt.Sprintf(format, v...))
}

func newRequestLogMiddleware(logger *slog.Logger) resty.RequestMiddleware {
	return func(_ *resty.Client, req *resty.Request) error {
		reqLogger := logger.WithGroup("upstream").With(
			"method", req.Method,
			"url", req.URL,
		)
		reqLogger.Debug("request")

		ctx := context.WithValue(req.Context(), requestLoggerKey, reqLogger)
		ctx = context.WithValue(ctx, requestStartKey, time.Now())
		req.SetContext(ctx)
		return nil
	}
}

func newResponseLogMiddleware(logger *slog.Logger) resty.ResponseMiddleware {
	return func(_ *resty.Client, resp *resty.Response) error {
		reqLogger, _ := resp.Request.Context().Value(requestLoggerKey).(*slog.Logger)
		start, _ := resp.Request.Context().Value(requestStartKey).(time.Time)
		if reqLogger == nil {
			reqLogger = logger
		}
		reqLogger = reqLogger.With(
			slog.Int("status", resp.StatusCode()),
			slog.Duration("duration", time.Since(start)),
			slog.Int64("content_length", resp.Size()),
		)
		if resp.IsError() {
			reqLogger.Error("error response")
		} else {
			reqLogger.Debug("response")
		}
		return nil
	}
}
