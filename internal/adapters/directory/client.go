// Package directory talks to the hub's REST endpoints: users, rooms, the
// authoritative membership and cart, the catalog, orders and relay tokens.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
	"github.com/dkeye/coshop/internal/proto"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

var codeErrors = map[string]error{
	proto.CodeInvalidRoom: domain.ErrInvalidRoom,
	proto.CodeNotHost:     domain.ErrNotHost,
	proto.CodeNotInRoom:   domain.ErrNotInRoom,
	proto.CodeBadProduct:  domain.ErrUnknownProduct,
	proto.CodeEmptyCart:   domain.ErrEmptyCart,
	proto.CodeBadQuantity: domain.ErrInvalidQuantity,
	proto.CodeNoStock:     domain.ErrStockExceeded,
}

// do sends body as JSON (when non-nil) and decodes a 2xx reply into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransportUnavailable, method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		var ae proto.APIError
		_ = json.NewDecoder(resp.Body).Decode(&ae)
		if known, ok := codeErrors[ae.Code]; ok {
			return fmt.Errorf("%w: %s", known, ae.Error)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", domain.ErrInvalidRoom, path)
		}
		return fmt.Errorf("%s %s: status %s: %s", method, path, resp.Status, ae.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func roomPath(code domain.RoomCode, suffix string) string {
	return "/api/rooms/" + url.PathEscape(string(code)) + suffix
}

func (c *Client) RegisterUser(ctx context.Context, username string) (domain.User, error) {
	var u domain.User
	err := c.do(ctx, http.MethodPost, "/api/users", proto.RegisterUserRequest{Username: username}, &u)
	return u, err
}

func (c *Client) CreateRoom(ctx context.Context, host domain.UserID) (domain.Room, error) {
	var r domain.Room
	err := c.do(ctx, http.MethodPost, "/api/rooms/create", proto.CreateRoomRequest{HostID: host}, &r)
	return r, err
}

func (c *Client) GetRoom(ctx context.Context, code domain.RoomCode) (domain.Room, error) {
	if code == "" {
		return domain.Room{}, domain.ErrInvalidRoom
	}
	var r domain.Room
	err := c.do(ctx, http.MethodGet, roomPath(code, ""), nil, &r)
	return r, err
}

func (c *Client) Members(ctx context.Context, code domain.RoomCode) (domain.MembersSnapshot, error) {
	var s domain.MembersSnapshot
	err := c.do(ctx, http.MethodGet, roomPath(code, "/members"), nil, &s)
	return s, err
}

func (c *Client) Cart(ctx context.Context, code domain.RoomCode) (domain.CartSnapshot, error) {
	var s domain.CartSnapshot
	err := c.do(ctx, http.MethodGet, roomPath(code, "/cart"), nil, &s)
	return s, err
}

func (c *Client) EndRoom(ctx context.Context, code domain.RoomCode, by domain.UserID) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/end", proto.EndRoomRequest{RoomCode: code, UserID: by}, nil)
}

func (c *Client) RelayToken(ctx context.Context, code domain.RoomCode, uid domain.UserID) (core.RelayGrant, error) {
	var g core.RelayGrant
	err := c.do(ctx, http.MethodPost, roomPath(code, "/relay-token"), proto.RelayTokenRequest{UserID: uid}, &g)
	return g, err
}

func (c *Client) Products(ctx context.Context) ([]domain.Product, error) {
	var ps []domain.Product
	err := c.do(ctx, http.MethodGet, "/api/products", nil, &ps)
	return ps, err
}

func (c *Client) UserOrders(ctx context.Context, uid domain.UserID) ([]domain.Order, error) {
	var resp proto.OrdersResponse
	err := c.do(ctx, http.MethodGet, "/api/orders/user/"+url.PathEscape(string(uid)), nil, &resp)
	return resp.Orders, err
}

func (c *Client) PlaceOrder(ctx context.Context, code domain.RoomCode, uid domain.UserID) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodPost, "/api/orders", proto.PlaceOrderRequest{RoomCode: code, UserID: uid}, &o)
	return o, err
}

func (c *Client) PlacePersonalOrder(ctx context.Context, uid domain.UserID, items []domain.CartItem) (domain.Order, error) {
	req := proto.PlaceOrderRequest{UserID: uid, Items: make([]proto.OrderLine, 0, len(items))}
	for _, it := range items {
		req.Items = append(req.Items, proto.OrderLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	var o domain.Order
	err := c.do(ctx, http.MethodPost, "/api/orders", req, &o)
	return o, err
}

var (
	_ core.RoomDirectory = (*Client)(nil)
	_ core.Identity      = (*Client)(nil)
	_ core.Catalog       = (*Client)(nil)
	_ core.Orders        = (*Client)(nil)
	_ core.RelayTokens   = (*Client)(nil)
)
