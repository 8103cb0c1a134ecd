package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jackyvictory/stablecoin-watcher/internal/handlers"
	"github.com/jackyvictory/stablecoin-watcher/internal/services"
)

// requestLogger logs each request with logrus.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		}).Debug("HTTP request")
	}
}

// SetupRouter builds the gin engine with the watcher API.
func SetupRouter(watcher *services.PaymentWatcher) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	paymentHandler := handlers.NewPaymentHandler(watcher)

	r.GET("/health", paymentHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/payments", paymentHandler.StartPayment)
		v1.DELETE("/payments/:id", paymentHandler.StopPayment)
		v1.DELETE("/payments", paymentHandler.StopAllPayments)
		v1.GET("/status", paymentHandler.Status)
	}

	return r
}
