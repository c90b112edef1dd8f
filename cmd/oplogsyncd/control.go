package main

import (
	"context"
	"net/http"

	"github.com/ipfs/go-cid"
	"github.com/labstack/echo/v4"

	"github.com/orbitmesh/oplogsync/internal/entry"
	"github.com/orbitmesh/oplogsync/internal/identity"
	"github.com/orbitmesh/oplogsync/internal/syncengine"
)

// appendRequest is the body of POST /log/entries: an arbitrary
// application payload to append as the log's next entry.
type appendRequest struct {
	Payload any `json:"payload"`
}

// registerControlRoutes wires the daemon's local control surface:
// appending entries and inspecting the current heads. Grounded on the
// teacher's echo handler style in internal/server/xrpc_repo.go (JSON
// request/response, explicit status codes).
func registerControlRoutes(e *echo.Echo, ctx context.Context, logImpl syncengine.Log, engine *syncengine.Engine, id identity.Identity, dialect entry.Dialect) {
	e.POST("/log/entries", func(c echo.Context) error {
		var req appendRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": err.Error(),
			})
		}
		if req.Payload == nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error":   "InvalidRequest",
				"message": "payload is required",
			})
		}

		heads, err := logImpl.Heads(ctx)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": err.Error(),
			})
		}
		next := make([]cid.Cid, 0, len(heads))
		for _, h := range heads {
			parentCID, err := cid.Decode(h.Hash)
			if err != nil {
				continue
			}
			next = append(next, parentCID)
		}

		ent, err := entry.Create(id, logImpl.ID(), req.Payload, nil, next, nil, dialect)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": err.Error(),
			})
		}
		if err := logImpl.Append(ctx, ent); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": err.Error(),
			})
		}
		if err := engine.Add(ctx, ent); err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": err.Error(),
			})
		}

		return c.JSON(http.StatusOK, map[string]string{"hash": ent.Hash})
	})

	e.GET("/log/heads", func(c echo.Context) error {
		heads, err := logImpl.Heads(ctx)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":   "InternalError",
				"message": err.Error(),
			})
		}
		hashes := make([]string, len(heads))
		for i, h := range heads {
			hashes[i] = h.Hash
		}
		return c.JSON(http.StatusOK, map[string]any{"heads": hashes})
	})

	e.GET("/log/peers", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"peers": engine.Peers()})
	})
}
