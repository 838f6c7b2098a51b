package gateway

import (
	"io"
	"net/http"
	"strconv"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/audit"
	"github.com/example/storefront/pkg/cart"
	"github.com/example/storefront/pkg/catalog"
	"github.com/example/storefront/pkg/identity"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/money"
	"github.com/example/storefront/pkg/order"
	"github.com/gin-gonic/gin"
)

const (
	signatureHeader = "X-HMAC"
	maxWebhookBody  = 1 << 20
	auditPageSize   = 100
)

type registerRequest struct {
	Name     string `json:"name" binding:"required,max=100"`
	Email    string `json:"email" binding:"required,email,max=100"`
	Password string `json:"password" binding:"required,min=8"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type productQuery struct {
	Search   string `form:"search"`
	MinPrice string `form:"min_price"`
	MaxPrice string `form:"max_price"`
	InStock  bool   `form:"in_stock"`
	Sort     string `form:"sort"`
	Page     int    `form:"page" binding:"omitempty,min=1"`
	PerPage  int    `form:"per_page" binding:"omitempty,min=1,max=100"`
}

type cartRequest struct {
	Quantity int            `json:"quantity" binding:"required"`
	Options  models.Options `json:"options"`
}

type checkoutRequest struct {
	Address string `json:"address" binding:"required,max=500"`
}

type payRequest struct {
	PaymentMethod string `json:"payment_method" binding:"required"`
}

type statusRequest struct {
	Status         string `json:"status" binding:"required"`
	TrackingNumber string `json:"tracking_number" binding:"max=50"`
	Notes          string `json:"notes" binding:"max=255"`
}

func (g *Gateway) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.fail(c, bindError(err))
		return
	}

	res, err := g.services.Identity.Register(c.Request.Context(), identity.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": res.User, "token": res.Token})
}

// login adopts whatever the visitor collected as a guest, then drops the
// guest cookie.
func (g *Gateway) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.fail(c, bindError(err))
		return
	}

	guestToken, _ := c.Cookie(g.config.Guest.CookieName)
	res, err := g.services.Identity.Login(c.Request.Context(), req.Email, req.Password, guestToken)
	if err != nil {
		g.fail(c, err)
		return
	}
	if guestToken != "" {
		g.clearGuestCookie(c)
	}
	c.JSON(http.StatusOK, gin.H{"user": res.User, "token": res.Token, "merged": res.Merged})
}

func (g *Gateway) logout(c *gin.Context) {
	token, err := requireUser(c)
	if err != nil {
		g.fail(c, err)
		return
	}
	if err := g.services.Identity.Logout(c.Request.Context(), token); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (g *Gateway) listProducts(c *gin.Context) {
	var q productQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		g.fail(c, bindError(err))
		return
	}

	f := catalog.Filter{
		Search:  q.Search,
		InStock: q.InStock,
		Sort:    q.Sort,
		Page:    q.Page,
		PerPage: q.PerPage,
	}
	var err error
	if f.MinPrice, err = priceParam("min_price", q.MinPrice); err != nil {
		g.fail(c, err)
		return
	}
	if f.MaxPrice, err = priceParam("max_price", q.MaxPrice); err != nil {
		g.fail(c, err)
		return
	}

	page, err := g.services.Catalog.List(c.Request.Context(), f)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (g *Gateway) getProduct(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		g.fail(c, err)
		return
	}
	product, err := g.services.Catalog.Get(c.Request.Context(), id)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (g *Gateway) listFavorites(c *gin.Context) {
	products, err := g.services.Favorites.List(c.Request.Context(), actorFrom(c))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": products})
}

func (g *Gateway) toggleFavorite(c *gin.Context) {
	productID, err := idParam(c, "product")
	if err != nil {
		g.fail(c, err)
		return
	}
	added, err := g.services.Favorites.Toggle(c.Request.Context(), actorFrom(c), productID)
	if err != nil {
		g.fail(c, err)
		return
	}

	msg := "Removed from favorites"
	if added {
		msg = "Added to favorites"
	}
	c.JSON(http.StatusOK, gin.H{"favorited": added, "message": msg})
}

func (g *Gateway) listCart(c *gin.Context) {
	lines, err := g.services.Carts.List(c.Request.Context(), actorFrom(c))
	if err != nil {
		g.fail(c, err)
		return
	}
	total := cart.Total(lines)
	c.JSON(http.StatusOK, gin.H{
		"items":         lines,
		"total":         total,
		"total_display": money.Format(total),
	})
}

func (g *Gateway) addToCart(c *gin.Context) {
	productID, err := idParam(c, "product")
	if err != nil {
		g.fail(c, err)
		return
	}
	var req cartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.fail(c, bindError(err))
		return
	}

	line, err := g.services.Carts.AddOrUpdate(c.Request.Context(), actorFrom(c), productID, req.Quantity, req.Options)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func (g *Gateway) updateCartQuantity(c *gin.Context) {
	productID, err := idParam(c, "product")
	if err != nil {
		g.fail(c, err)
		return
	}
	var req cartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.fail(c, bindError(err))
		return
	}

	line, err := g.services.Carts.UpdateQuantity(c.Request.Context(), actorFrom(c), productID, req.Quantity)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func (g *Gateway) removeFromCart(c *gin.Context) {
	productID, err := idParam(c, "product")
	if err != nil {
		g.fail(c, err)
		return
	}
	if err := g.services.Carts.Remove(c.Request.Context(), actorFrom(c), productID); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Removed from cart"})
}

func (g *Gateway) checkout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.fail(c, bindError(err))
		return
	}

	o, err := g.services.Orders.Checkout(c.Request.Context(), actorFrom(c), req.Address)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, order.NewCheckoutView(o))
}

func (g *Gateway) listOrders(c *gin.Context) {
	orders, err := g.services.Orders.List(c.Request.Context(), actorFrom(c))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": orders})
}

func (g *Gateway) trackOrder(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		g.fail(c, err)
		return
	}
	view, err := g.services.Orders.Track(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (g *Gateway) payOrder(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		g.fail(c, err)
		return
	}
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.fail(c, bindError(err))
		return
	}

	res, err := g.services.Payments.Initiate(c.Request.Context(), actorFrom(c), id, models.PaymentMethod(req.PaymentMethod))
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (g *Gateway) updateOrderStatus(c *gin.Context) {
	id, err := idParam(c, "id")
	if err != nil {
		g.fail(c, err)
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		g.fail(c, bindError(err))
		return
	}
	next, ok := models.ParseOrderStatus(req.Status)
	if !ok {
		g.fail(c, apperr.ValidationFields("validation failed", map[string]string{"status": "is not a known order status"}))
		return
	}

	o, err := g.services.Orders.UpdateStatus(c.Request.Context(), actorFrom(c), id, next, req.TrackingNumber, req.Notes)
	if err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Order status updated", "order": o})
}

func (g *Gateway) orderAudit(c *gin.Context) {
	if !actorFrom(c).Admin {
		g.fail(c, apperr.Forbidden("admin access required"))
		return
	}
	id, err := idParam(c, "id")
	if err != nil {
		g.fail(c, err)
		return
	}

	entries := []audit.Entry{}
	if g.services.AuditLog != nil {
		entries, err = g.services.AuditLog.List(c.Request.Context(), audit.OrderEntity(id), auditPageSize)
		if err != nil {
			g.fail(c, apperr.Internal(err))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

// paymobWebhook hands the raw body to the payment service; the signature
// covers the exact bytes received.
func (g *Gateway) paymobWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		g.fail(c, apperr.BadPayload("unreadable body"))
		return
	}

	signature := c.GetHeader(signatureHeader)
	if signature == "" {
		signature = c.Query("hmac")
	}

	if err := g.services.Payments.HandleWebhook(c.Request.Context(), body, signature); err != nil {
		g.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func idParam(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, apperr.ValidationFields("validation failed", map[string]string{name: "must be a positive integer"})
	}
	return uint(id), nil
}

// priceParam parses a major-unit price filter such as "19.99".
func priceParam(name, raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := money.Parse(raw)
	if err != nil || v < 0 {
		return nil, apperr.ValidationFields("validation failed", map[string]string{name: "must be a non-negative amount"})
	}
	return &v, nil
}
