// Package http builds the gin routers: the hub's REST and WebSocket surface,
// and the client daemon's local control API.
package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dkeye/coshop/internal/adapters/signal"
	"github.com/dkeye/coshop/internal/app/orch"
	"github.com/dkeye/coshop/internal/config"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionUserKey = "user_id"

func newEngine(mode string) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	return r
}

func apiError(c *gin.Context, status int, err error) {
	c.JSON(status, proto.APIError{Code: proto.CodeOf(err), Error: err.Error()})
}

// hubStatus maps hub-side failures to REST status codes.
func hubStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRoom):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotInRoom), errors.Is(err, domain.ErrEmptyCart):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// SetupRouter wires the hub: REST collaborators under /api and the two
// WebSocket channels under /api/ws.
func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, ctl *signal.Controller) *gin.Engine {
	r := newEngine(cfg.Mode)
	store := cookie.NewStore([]byte(cfg.Hub.Secret))
	r.Use(sessions.Sessions("coshop", store))

	log.Info().Str("module", "adapters.http").Int("products", len(o.Catalog.Products())).Msg("hub router setup")

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	api := r.Group("/api")

	api.POST("/users", func(c *gin.Context) {
		var req proto.RegisterUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apiError(c, http.StatusBadRequest, err)
			return
		}
		u, err := o.Registry.RegisterUser(req.Username)
		if err != nil {
			apiError(c, http.StatusBadRequest, err)
			return
		}
		sess := sessions.Default(c)
		sess.Set(sessionUserKey, string(u.ID))
		if err := sess.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
		}
		c.JSON(http.StatusCreated, u)
	})

	api.GET("/users/me", func(c *gin.Context) {
		id, _ := sessions.Default(c).Get(sessionUserKey).(string)
		u, ok := o.Registry.User(domain.UserID(id))
		if id == "" || !ok {
			c.JSON(http.StatusUnauthorized, proto.APIError{Code: proto.CodeNotFound, Error: "no user in session"})
			return
		}
		c.JSON(http.StatusOK, u)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Rooms.List()})
	})

	api.POST("/rooms/create", func(c *gin.Context) {
		var req proto.CreateRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.HostID == "" {
			c.JSON(http.StatusBadRequest, proto.APIError{Code: proto.CodeBadPayload, Error: "hostId is required"})
			return
		}
		room := o.CreateRoom(req.HostID)
		c.JSON(http.StatusCreated, room.Room())
	})

	api.POST("/rooms/end", func(c *gin.Context) {
		var req proto.EndRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apiError(c, http.StatusBadRequest, err)
			return
		}
		if err := o.EndRoom(req.RoomCode, req.UserID); err != nil {
			apiError(c, hubStatus(err), err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/rooms/:code", func(c *gin.Context) {
		room, ok := o.Rooms.Get(domain.RoomCode(c.Param("code")))
		if !ok {
			apiError(c, http.StatusNotFound, domain.ErrInvalidRoom)
			return
		}
		c.JSON(http.StatusOK, room.Room())
	})

	api.GET("/rooms/:code/members", func(c *gin.Context) {
		room, ok := o.Rooms.Get(domain.RoomCode(c.Param("code")))
		if !ok {
			apiError(c, http.StatusNotFound, domain.ErrInvalidRoom)
			return
		}
		c.JSON(http.StatusOK, room.MembersSnapshot())
	})

	api.GET("/rooms/:code/cart", func(c *gin.Context) {
		snap, err := o.CartOf(domain.RoomCode(c.Param("code")))
		if err != nil {
			apiError(c, hubStatus(err), err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	api.POST("/rooms/:code/relay-token", func(c *gin.Context) {
		code := domain.RoomCode(c.Param("code"))
		var req proto.RelayTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apiError(c, http.StatusBadRequest, err)
			return
		}
		room, ok := o.Rooms.Get(code)
		if !ok {
			apiError(c, http.StatusNotFound, domain.ErrInvalidRoom)
			return
		}
		if !room.HasUser(req.UserID) {
			apiError(c, http.StatusConflict, domain.ErrNotInRoom)
			return
		}
		token, err := ctl.Tokens.Issue(code, req.UserID)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("issue relay token")
			c.JSON(http.StatusInternalServerError, proto.APIError{Code: proto.CodeInternal, Error: "token unavailable"})
			return
		}
		c.JSON(http.StatusOK, core.RelayGrant{
			Token:   token,
			URL:     strings.TrimRight(cfg.Hub.PublicURL, "/") + "/api/ws/relay",
			Channel: string(code),
		})
	})

	api.GET("/products", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Catalog.Products())
	})

	api.GET("/orders/user/:id", func(c *gin.Context) {
		orders := o.Orders.ForUser(domain.UserID(c.Param("id")))
		if orders == nil {
			orders = []domain.Order{}
		}
		c.JSON(http.StatusOK, proto.OrdersResponse{Orders: orders})
	})

	api.POST("/orders", func(c *gin.Context) {
		var req proto.PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apiError(c, http.StatusBadRequest, err)
			return
		}
		var (
			order domain.Order
			err   error
		)
		if req.RoomCode == "" {
			order, err = o.PlacePersonalOrder(req.UserID, req.Items)
		} else {
			order, err = o.PlaceOrder(req.RoomCode, req.UserID)
		}
		if err != nil {
			apiError(c, hubStatus(err), err)
			return
		}
		c.JSON(http.StatusCreated, order)
	})

	api.GET("/ws/bus", func(c *gin.Context) { ctl.HandleBus(ctx, c) })
	api.GET("/ws/relay", func(c *gin.Context) { ctl.HandleRelay(ctx, c) })

	return r
}
