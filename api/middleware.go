package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	maxBodyBytes    = 64 << 10
	requestIDHeader = echo.HeaderXRequestID
	requestIDKey    = "request_id"
)

// RequestBody limits request bodies and decompresses gzip-encoded ones.
// Invalid gzip payloads are rejected with a 400 response.
func RequestBody() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			body := req.Body
			if !isGzip(req.Header.Get(echo.HeaderContentEncoding)) {
				req.Body = http.MaxBytesReader(c.Response(), body, maxBodyBytes)
				return next(c)
			}

			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid gzip body"})
			}
			req.Body = &gzipBody{Reader: io.LimitReader(gr, maxBodyBytes), gz: gr, raw: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func isGzip(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipBody struct {
	io.Reader
	gz  *gzip.Reader
	raw io.Closer
}

func (g *gzipBody) Close() error {
	err := g.gz.Close()
	if cerr := g.raw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// RequestID propagates or assigns an X-Request-Id for log correlation.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(requestIDHeader)
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			c.Set(requestIDKey, id)
			c.Response().Header().Set(requestIDHeader, id)
			return next(c)
		}
	}
}

func requestID(c echo.Context) string {
	id, _ := c.Get(requestIDKey).(string)
	return id
}
