// Package api exposes the kernel manager over HTTP: a REST surface for
// lifecycle and non-streaming execution, and a WebSocket surface for
// executeStream / interactive sessions, built on echo and
// gorilla/websocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/kernelforge/kerneld/internal/driver"
	"github.com/kernelforge/kerneld/internal/kernel"
	"github.com/kernelforge/kerneld/internal/manager"
	"github.com/kernelforge/kerneld/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "https://localhost")
	},
}

// Handler wires the kernel manager to HTTP routes.
type Handler struct {
	mgr    *manager.Manager
	apiKey string
}

func NewHandler(mgr *manager.Manager, apiKey string) *Handler {
	return &Handler{mgr: mgr, apiKey: apiKey}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	v1 := e.Group("/v1")
	if h.apiKey != "" {
		v1.Use(h.authMiddleware)
	}

	v1.POST("/kernels", h.createKernel)
	v1.GET("/kernels", h.listKernels)
	v1.GET("/kernels/:id", h.infoKernel)
	v1.DELETE("/kernels/:id", h.destroyKernel)
	v1.POST("/kernels/:id/restart", h.restartKernel)
	v1.POST("/kernels/:id/interrupt", h.interruptKernel)
	v1.POST("/kernels/:id/execute", h.executeKernel)
	v1.GET("/kernels/:id/stream", h.streamKernel)

	v1.GET("/kernels/:id/files", h.listFiles)
	v1.POST("/kernels/:id/files", h.uploadFile)
	v1.GET("/kernels/:id/files/content", h.downloadFile)

	v1.GET("/pool/stats", h.poolStats)
	v1.DELETE("/namespaces/:namespace", h.destroyNamespace)
}

func (h *Handler) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := c.Request().Header.Get("X-Kerneld-API-Key")
		if key == "" {
			key = c.QueryParam("api_key")
		}
		if h.apiKey != "" && key != h.apiKey {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
		}
		return next(c)
	}
}

// namespaceOf resolves the namespace for a request from its "namespace"
// query parameter, falling back to "default" when it is absent.
func namespaceOf(c echo.Context) string {
	if ns := c.QueryParam("namespace"); ns != "" {
		return ns
	}
	return "default"
}

type CreateKernelRequest struct {
	ID           string              `json:"id"`
	Mode         driver.Mode         `json:"mode"`
	Language     driver.Language     `json:"language"`
	Filesystem   driver.FilesystemMount `json:"filesystem"`
	Capabilities driver.Capabilities `json:"capabilities"`
	Env          map[string]string   `json:"env"`
	StartupScript string             `json:"startup_script"`
	InactivityTimeoutSec int         `json:"inactivity_timeout_sec"`
	MaxExecutionTimeSec  int         `json:"max_execution_time_sec"`
	Context      []driver.FileInjection `json:"context"`
}

type CreateKernelResponse struct {
	ID       string          `json:"id"`
	Mode     driver.Mode     `json:"mode"`
	Language driver.Language `json:"language"`
	Created  time.Time       `json:"created"`
	Status   string          `json:"status"`
}

func (h *Handler) createKernel(c echo.Context) error {
	var req CreateKernelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}
	if req.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "id is required")
	}

	cfg := driver.KernelConfig{
		Mode:          req.Mode,
		Language:      req.Language,
		Filesystem:    req.Filesystem,
		Capabilities:  req.Capabilities,
		Env:           req.Env,
		StartupScript: req.StartupScript,
		Context:       req.Context,
	}
	if req.InactivityTimeoutSec > 0 {
		cfg.InactivityTimeout = time.Duration(req.InactivityTimeoutSec) * time.Second
	}
	if req.MaxExecutionTimeSec > 0 {
		cfg.MaxExecutionTime = time.Duration(req.MaxExecutionTimeSec) * time.Second
	}

	namespace := namespaceOf(c)
	id, err := h.mgr.Create(c.Request().Context(), namespace, req.ID, cfg)
	if err != nil {
		return mapError(err)
	}
	info, err := h.mgr.Info(id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusCreated, CreateKernelResponse{
		ID:       id,
		Mode:     info.Mode,
		Language: info.Language,
		Created:  info.Created,
		Status:   "ready",
	})
}

func (h *Handler) listKernels(c echo.Context) error {
	namespace := c.QueryParam("namespace")
	return c.JSON(http.StatusOK, map[string]any{"kernels": h.mgr.List(namespace)})
}

func (h *Handler) infoKernel(c echo.Context) error {
	id := namespaceOf(c) + ":" + c.Param("id")
	info, err := h.mgr.Info(id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handler) destroyKernel(c echo.Context) error {
	id := namespaceOf(c) + ":" + c.Param("id")
	if err := h.mgr.Destroy(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) restartKernel(c echo.Context) error {
	id := namespaceOf(c) + ":" + c.Param("id")
	if err := h.mgr.Restart(c.Request().Context(), id); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// interruptKernel reports whether the signal was actually raised —
// in-process kernels have no interrupt channel and report false rather
// than an error.
func (h *Handler) interruptKernel(c echo.Context) error {
	id := namespaceOf(c) + ":" + c.Param("id")
	err := h.mgr.Interrupt(c.Request().Context(), id)
	if errors.Is(err, kernel.ErrInterruptUnsupported) {
		return c.JSON(http.StatusOK, map[string]bool{"interrupted": false})
	}
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"interrupted": true})
}

type ExecuteRequest struct {
	Code   string `json:"code"`
	Detach bool   `json:"detach"`
}

func (h *Handler) executeKernel(c echo.Context) error {
	id := namespaceOf(c) + ":" + c.Param("id")
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request").SetInternal(err)
	}

	if req.Detach {
		execID, err := h.mgr.ExecuteDetached(c.Request().Context(), id, req.Code)
		if err != nil {
			return mapError(err)
		}
		return c.JSON(http.StatusAccepted, map[string]string{"execution_id": execID})
	}

	result, err := h.mgr.Execute(c.Request().Context(), id, req.Code)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, result)
}

// streamKernel upgrades to a WebSocket and relays every event of one
// executeStream call as a JSON text frame, closing the socket once the
// terminal event has been sent.
func (h *Handler) streamKernel(c echo.Context) error {
	id := namespaceOf(c) + ":" + c.Param("id")
	code := c.QueryParam("code")

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	events, err := h.mgr.ExecuteStream(c.Request().Context(), id, code)
	if err != nil {
		ws.WriteJSON(map[string]string{"error": err.Error()})
		return nil
	}

	inbound := make(chan []byte, 4)
	go func() {
		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				close(inbound)
				return
			}
			inbound <- msg
		}
	}()

	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := ws.WriteJSON(evt); err != nil {
				return nil
			}
			if evt.Kind == protocol.KindInputRequest {
				msg, ok := <-inbound
				if !ok {
					return nil
				}
				var reply struct {
					Value string `json:"value"`
				}
				if json.Unmarshal(msg, &reply) == nil {
					h.mgr.InputReply(c.Request().Context(), id, reply.Value)
				}
			}
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

func (h *Handler) listFiles(c echo.Context) error {
	id := namespaceOf(c) + ":" + c.Param("id")
	path := c.QueryParam("path")
	if path == "" {
		path = "/"
	}

	files, err := h.mgr.ListFiles(c.Request().Context(), id, path)
	if err != nil {
		return mapError(err)
	}
	if files == nil {
		files = []*driver.FileEntry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"files": files})
}

func (h *Handler) uploadFile(c echo.Context) error {
	id := namespaceOf(c) + ":" + c.Param("id")
	path := c.FormValue("path")
	if path == "" {
		path = "/uploads"
	}
	file, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file required")
	}
	src, err := file.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	fullPath := strings.TrimSuffix(path, "/") + "/" + file.Filename
	if err := h.mgr.PutFile(c.Request().Context(), id, fullPath, src); err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "uploaded", "path": fullPath})
}

func (h *Handler) downloadFile(c echo.Context) error {
	id := namespaceOf(c) + ":" + c.Param("id")
	path := c.QueryParam("path")
	if path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path required")
	}

	content, err := h.mgr.GetFile(c.Request().Context(), id, path)
	if err != nil {
		return mapError(err)
	}
	defer content.Close()
	return c.Stream(http.StatusOK, "application/octet-stream", content)
}

func (h *Handler) poolStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"pools": h.mgr.PoolStats()})
}

func (h *Handler) destroyNamespace(c echo.Context) error {
	namespace := c.Param("namespace")
	if err := h.mgr.DestroyAll(c.Request().Context(), namespace); err != nil {
		return mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, manager.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "kernel not found")
	case errors.Is(err, manager.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, "kernel id already exists")
	case errors.Is(err, manager.ErrKernelLimit):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, manager.ErrInvalidID),
		errors.Is(err, manager.ErrModeNotAllowed),
		errors.Is(err, manager.ErrLangNotAllowed),
		errors.Is(err, driver.ErrInvalidConfig),
		errors.Is(err, kernel.ErrFilesystemUnsupported),
		errors.Is(err, kernel.ErrInterruptUnsupported):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, kernel.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, kernel.ErrNotInitialized), errors.Is(err, kernel.ErrDestroyed):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
