package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/storewise/charging/internal/ordering/domain"
)

type chargeRequest struct {
	Concept string `json:"concept"`
}

type chargeResponse struct {
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Charged     string `json:"charged,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

// ChargeOrder resolves the amounts due for an order under the requested
// charge concept. Paid charges answer with a gateway redirect; free
// acquisitions finalize in place.
func (s *Server) ChargeOrder(c *gin.Context) {
	order, err := s.orders.FindByExternalID(c.Request.Context(), c.Param("ref"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	concept := strings.TrimSpace(c.Query("concept"))
	if concept == "" {
		var req chargeRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			concept = strings.TrimSpace(req.Concept)
		}
	}
	if concept == "" {
		concept = string(domain.ConceptInitial)
	}

	result, err := s.charges.ResolveCharging(c.Request.Context(), order, domain.ChargeConcept(strings.ToLower(concept)))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Finalized != nil {
		c.JSON(http.StatusOK, chargeResponse{
			Status:  "charged",
			Charged: result.Finalized.Charged,
			Invoice: result.Finalized.InvoicePath,
		})
		return
	}

	c.JSON(http.StatusAccepted, chargeResponse{
		Status:      "pending",
		RedirectURL: result.RedirectURL,
	})
}

type confirmRequest struct {
	Reference string `json:"reference"`
	Client    string `json:"client"`
	Token     string `json:"token"`
	PayerID   string `json:"payer_id"`
}

// ConfirmCharge is the gateway return endpoint. The customer lands here
// after approving the payment, either via the gateway's GET redirect or a
// direct POST; the payer token names the gateway payment to execute.
func (s *Server) ConfirmCharge(c *gin.Context) {
	req := confirmRequest{
		Reference: c.Query("ref"),
		Client:    c.Query("client"),
		Token:     c.Query("paymentId"),
		PayerID:   c.Query("PayerID"),
	}
	if req.Token == "" {
		req.Token = c.Query("token")
	}
	if c.Request.Method == http.MethodPost && req.Reference == "" {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, domain.ErrOrderNotFound)
			return
		}
	}

	result, err := s.charges.ConfirmCharge(c.Request.Context(), req.Reference, req.Client, req.Token, req.PayerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, chargeResponse{
		Status:  "charged",
		Charged: result.Charged,
		Invoice: result.InvoicePath,
	})
}

// CancelCharge is the gateway cancel endpoint.
func (s *Server) CancelCharge(c *gin.Context) {
	ref := c.Query("ref")
	if c.Request.Method == http.MethodPost && ref == "" {
		var req confirmRequest
		if err := c.ShouldBindJSON(&req); err == nil {
			ref = req.Reference
		}
	}
	if err := s.charges.CancelCharge(c.Request.Context(), ref); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}
