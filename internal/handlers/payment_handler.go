package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/jackyvictory/stablecoin-watcher/internal/services"
)

// PaymentHandler exposes payment monitoring to HTTP clients.
type PaymentHandler struct {
	watcher *services.PaymentWatcher
}

// NewPaymentHandler creates a payment handler.
func NewPaymentHandler(watcher *services.PaymentWatcher) *PaymentHandler {
	return &PaymentHandler{watcher: watcher}
}

// StartPaymentRequest request body for starting payment monitoring
type StartPaymentRequest struct {
	PaymentID             string `json:"payment_id"`
	TokenSymbol           string `json:"token_symbol" binding:"required"`
	ExpectedAmount        string `json:"expected_amount" binding:"required"`
	ReceiverAddress       string `json:"receiver_address"`
	RequiredConfirmations uint64 `json:"required_confirmations"`
	StartBlock            uint64 `json:"start_block"`
	TimeoutMs             int64  `json:"timeout_ms"`
}

// StartPayment POST /api/v1/payments
func (h *PaymentHandler) StartPayment(c *gin.Context) {
	var req StartPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	paymentID, err := h.watcher.StartPaymentMonitoring(services.StartPaymentRequest{
		PaymentID:             req.PaymentID,
		TokenSymbol:           req.TokenSymbol,
		ExpectedAmount:        req.ExpectedAmount,
		ReceiverAddress:       req.ReceiverAddress,
		RequiredConfirmations: req.RequiredConfirmations,
		StartBlock:            req.StartBlock,
		TimeoutMs:             req.TimeoutMs,
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"token":  req.TokenSymbol,
			"amount": req.ExpectedAmount,
		}).WithError(err).Warn("Failed to start payment monitoring")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	logrus.WithFields(logrus.Fields{
		"payment_id": paymentID,
		"token":      req.TokenSymbol,
		"amount":     req.ExpectedAmount,
	}).Info("Payment monitoring started")

	c.JSON(http.StatusCreated, gin.H{
		"payment_id": paymentID,
		"monitoring": true,
	})
}

// StopPayment DELETE /api/v1/payments/:id
func (h *PaymentHandler) StopPayment(c *gin.Context) {
	paymentID := c.Param("id")
	removed := h.watcher.StopPaymentMonitoring(paymentID)
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active monitor for paymentId", "payment_id": paymentID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment_id": paymentID, "stopped": true})
}

// StopAllPayments DELETE /api/v1/payments
func (h *PaymentHandler) StopAllPayments(c *gin.Context) {
	count := h.watcher.StopAllPaymentMonitoring()
	c.JSON(http.StatusOK, gin.H{"stopped": count})
}

// Status GET /api/v1/status
func (h *PaymentHandler) Status(c *gin.Context) {
	status := h.watcher.GetConnectionStatus()
	c.JSON(http.StatusOK, gin.H{
		"connection":      status,
		"active_monitors": h.watcher.ActiveMonitorCount(),
	})
}

// Health GET /health
func (h *PaymentHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
