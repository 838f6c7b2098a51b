package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/example/storefront/pkg/app"
	"github.com/example/storefront/pkg/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
)

type Gateway struct {
	config   *config.Config
	services *app.Services
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
}

func NewGateway(cfg *config.Config, services *app.Services, logger *zap.Logger) *Gateway {
	gin.SetMode(gin.ReleaseMode)
	registerValidatorTagNames()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(logger))
	if services.Metrics != nil {
		router.Use(metricsMiddleware(services.Metrics))
	}

	return &Gateway{
		config:   cfg,
		services: services,
		logger:   logger,
		router:   router,
	}
}

func (g *Gateway) SetupRoutes() {
	// Health check
	g.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	g.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := g.router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/register", g.register)
			auth.POST("/login", g.login)
			auth.DELETE("/logout", g.logout)
		}

		products := v1.Group("/products")
		{
			products.GET("", g.listProducts)
			products.GET("/:id", g.getProduct)
		}

		// The payment gateway calls this without a session; the HMAC is the only credential.
		v1.POST("/paymob/webhook", g.paymobWebhook)

		shop := v1.Group("", g.identityMiddleware())
		{
			shop.GET("/favorites", g.listFavorites)
			shop.POST("/favorites/:product", g.toggleFavorite)

			shop.GET("/cart", g.listCart)
			shop.POST("/cart/:product", g.addToCart)
			shop.PUT("/cart/:product/quantity", g.updateCartQuantity)
			shop.DELETE("/cart/:product", g.removeFromCart)

			shop.POST("/checkout", g.checkout)

			shop.GET("/orders", g.listOrders)
			shop.GET("/orders/:id/track", g.trackOrder)
			shop.POST("/orders/:id/pay", g.payOrder)
			shop.PUT("/orders/:id/status", g.updateOrderStatus)

			shop.GET("/admin/orders/:id/audit", g.orderAudit)
		}
	}

	// Swagger
	g.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}

// Handler is the router behind the CORS policy. Credentials are allowed so
// browsers send the guest cookie cross-origin.
func (g *Gateway) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   g.config.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", signatureHeader},
		AllowCredentials: true,
	}).Handler(g.router)
}

func (g *Gateway) Start() error {
	addr := g.config.Gateway.Addr()
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.Handler(),
		ReadTimeout:  g.config.Gateway.ReadTimeout,
		WriteTimeout: g.config.Gateway.WriteTimeout,
	}

	g.logger.Info("Gateway starting", zap.String("address", addr))
	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	return g.server.Shutdown(ctx)
}
