package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// contentTypes maps asset extensions to their media type; anything else
// falls back to application/octet-stream.
var contentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".css":  "text/css",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".ico":  "image/x-icon",
	".json": "application/json",
	".map":  "application/json",
	".txt":  "text/plain; charset=utf-8",
	".woff2": "font/woff2",
}

// registerStatic wires the dashboard asset routes for GET and HEAD.
func (c *Controller) registerStatic(staticDir string) {
	handler := c.staticHandler(staticDir)
	c.Echo.GET("/", handler)
	c.Echo.HEAD("/", handler)
	c.Echo.GET("/*", handler)
	c.Echo.HEAD("/*", handler)
}

func (c *Controller) staticHandler(staticDir string) echo.HandlerFunc {
	root, err := filepath.Abs(filepath.Clean(staticDir))
	if err != nil {
		root = staticDir
	}
	return func(ctx echo.Context) error {
		name := strings.TrimPrefix(ctx.Request().URL.Path, "/")
		if name == "" {
			name = "index.html"
		}

		resolved := filepath.Join(root, filepath.FromSlash(name))
		resolved = filepath.Clean(resolved)
		if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return echo.NewHTTPError(http.StatusForbidden, "path is not authorized")
		}

		info, err := os.Stat(resolved)
		if err != nil || info.IsDir() {
			return echo.NewHTTPError(http.StatusNotFound, "asset not found")
		}

		contentType, known := contentTypes[strings.ToLower(filepath.Ext(resolved))]
		if !known {
			contentType = "application/octet-stream"
		}
		ctx.Response().Header().Set(echo.HeaderContentType, contentType)

		if ctx.Request().Method == http.MethodHead {
			ctx.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size(), 10))
			return ctx.NoContent(http.StatusOK)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, "asset not found")
		}
		return ctx.Blob(http.StatusOK, contentType, data)
	}
}
