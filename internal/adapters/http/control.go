package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dkeye/coshop/internal/client/session"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Coordinator is what the control API drives. *session.Coordinator implements it.
type Coordinator interface {
	Self() domain.User
	Status(ctx context.Context) session.Status
	Watch(ctx context.Context) <-chan session.Status

	Create(ctx context.Context) (domain.Room, error)
	Join(ctx context.Context, code domain.RoomCode) error
	Leave(ctx context.Context) error
	End(ctx context.Context) error

	StartCall(ctx context.Context) error
	AcceptCall(ctx context.Context) error
	DeclineCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	SetMuted(ctx context.Context, muted bool) error

	AddItem(ctx context.Context, id domain.ProductID, qty int) error
	RemoveItem(ctx context.Context, id domain.ProductID) error
	Vote(ctx context.Context, id domain.ProductID, dir domain.VoteDirection) error
	FocusProduct(ctx context.Context, id domain.ProductID) error

	Products(ctx context.Context) ([]domain.Product, error)
	Orders(ctx context.Context) ([]domain.Order, error)
	PlaceOrder(ctx context.Context) (domain.Order, error)
}

var _ Coordinator = (*session.Coordinator)(nil)

// controlStatus maps session errors to HTTP status codes.
func controlStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRoom):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotHost):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNoPendingOffer),
		errors.Is(err, domain.ErrNotInRoom),
		errors.Is(err, domain.ErrEmptyCart):
		return http.StatusConflict
	case errors.Is(err, domain.ErrRoomEnded):
		return http.StatusGone
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrUnknownProduct),
		errors.Is(err, domain.ErrInvalidVote),
		errors.Is(err, domain.ErrStockExceeded),
		errors.Is(err, domain.ErrUsernameEmpty),
		errors.Is(err, domain.ErrUsernameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	status := controlStatus(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http.control").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type joinRequest struct {
	RoomCode domain.RoomCode `json:"roomCode" binding:"required"`
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

type addItemRequest struct {
	ProductID domain.ProductID `json:"productId" binding:"required"`
	Quantity  int              `json:"quantity"`
}

type voteRequest struct {
	Vote domain.VoteDirection `json:"vote" binding:"required"`
}

type focusRequest struct {
	ProductID domain.ProductID `json:"productId" binding:"required"`
}

// SetupControlRouter wires the client daemon's local API. Every intent is
// forwarded to the coordinator; state is read back as session.Status.
func SetupControlRouter(mode string, coord Coordinator) *gin.Engine {
	r := newEngine(mode)
	api := r.Group("/api")

	// simple intents share one shape
	intent := func(fn func(context.Context) error) gin.HandlerFunc {
		return func(c *gin.Context) {
			if err := fn(c.Request.Context()); err != nil {
				fail(c, err)
				return
			}
			c.JSON(http.StatusOK, coord.Status(c.Request.Context()))
		}
	}

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, coord.Status(c.Request.Context()))
	})

	api.GET("/events", func(c *gin.Context) {
		updates := coord.Watch(c.Request.Context())
		c.Stream(func(w io.Writer) bool {
			st, ok := <-updates
			if !ok {
				return false
			}
			c.SSEvent("status", st)
			return true
		})
	})

	api.POST("/rooms", func(c *gin.Context) {
		room, err := coord.Create(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, room)
	})

	api.POST("/rooms/join", func(c *gin.Context) {
		var req joinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomCode is required"})
			return
		}
		if err := coord.Join(c.Request.Context(), req.RoomCode); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, coord.Status(c.Request.Context()))
	})

	api.POST("/rooms/leave", intent(coord.Leave))
	api.POST("/rooms/end", intent(coord.End))

	api.POST("/call/start", intent(coord.StartCall))
	api.POST("/call/accept", intent(coord.AcceptCall))
	api.POST("/call/decline", intent(coord.DeclineCall))
	api.POST("/call/end", intent(coord.EndCall))
	api.POST("/call/mute", func(c *gin.Context) {
		var req muteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := coord.SetMuted(c.Request.Context(), req.Muted); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, coord.Status(c.Request.Context()))
	})

	api.GET("/cart", func(c *gin.Context) {
		c.JSON(http.StatusOK, coord.Status(c.Request.Context()).Cart)
	})

	api.POST("/cart/items", func(c *gin.Context) {
		var req addItemRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "productId is required"})
			return
		}
		if req.Quantity == 0 {
			req.Quantity = 1
		}
		if req.Quantity < 0 || req.Quantity > domain.MaxLineQuantity {
			c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrInvalidQuantity.Error()})
			return
		}
		if err := coord.AddItem(c.Request.Context(), req.ProductID, req.Quantity); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, coord.Status(c.Request.Context()).Cart)
	})

	api.DELETE("/cart/items/:id", func(c *gin.Context) {
		if err := coord.RemoveItem(c.Request.Context(), domain.ProductID(c.Param("id"))); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, coord.Status(c.Request.Context()).Cart)
	})

	api.POST("/cart/items/:id/vote", func(c *gin.Context) {
		var req voteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "vote is required"})
			return
		}
		if err := coord.Vote(c.Request.Context(), domain.ProductID(c.Param("id")), req.Vote); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, coord.Status(c.Request.Context()).Cart)
	})

	api.POST("/focus", func(c *gin.Context) {
		var req focusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "productId is required"})
			return
		}
		if err := coord.FocusProduct(c.Request.Context(), req.ProductID); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, coord.Status(c.Request.Context()))
	})

	api.GET("/products", func(c *gin.Context) {
		products, err := coord.Products(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, products)
	})

	api.GET("/orders", func(c *gin.Context) {
		orders, err := coord.Orders(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		if orders == nil {
			orders = []domain.Order{}
		}
		c.JSON(http.StatusOK, proto.OrdersResponse{Orders: orders})
	})

	api.POST("/orders", func(c *gin.Context) {
		order, err := coord.PlaceOrder(c.Request.Context())
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	})

	api.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, coord.Self())
	})

	return r
}
