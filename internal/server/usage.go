package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/usage"
)

// SubmitUsage validates a service detail record against the order's
// contract and stages it for the next usage charge.
func (s *Server) SubmitUsage(c *gin.Context) {
	var raw usage.RawSDR
	if err := c.ShouldBindJSON(&raw); err != nil {
		AbortWithError(c, usage.ErrInvalidValue)
		return
	}
	raw.OrderRef = c.Param("ref")

	submitter := c.GetHeader("X-Actor-ID")
	if submitter == "" {
		submitter = c.Query("user")
	}

	sdr, err := s.usagesvc.Validate(c.Request.Context(), raw, submitter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sdr)
}

type usageView struct {
	Staged  []domain.SDR `json:"staged"`
	Applied []domain.SDR `json:"applied"`
}

// OrderUsage lists the usage records accumulated against an order,
// optionally filtered by product, unit label and time window.
func (s *Server) OrderUsage(c *gin.Context) {
	order, err := s.orders.FindByExternalID(c.Request.Context(), c.Param("ref"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	filter, err := usageFilterFromQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	view := usageView{Staged: []domain.SDR{}, Applied: []domain.SDR{}}
	for i := range order.Contracts {
		contract := &order.Contracts[i]
		if filter.product != "" && contract.ProductID != filter.product {
			continue
		}
		view.Staged = append(view.Staged, filter.apply(contract.PendingSDRs)...)
		view.Applied = append(view.Applied, filter.apply(contract.AppliedSDRs)...)
	}

	c.JSON(http.StatusOK, view)
}

type usageFilter struct {
	product string
	unit    string
	from    *time.Time
	to      *time.Time
}

func usageFilterFromQuery(c *gin.Context) (usageFilter, error) {
	filter := usageFilter{
		product: strings.TrimSpace(c.Query("product")),
		unit:    strings.TrimSpace(c.Query("unit")),
	}
	for _, bound := range []struct {
		param string
		dst   **time.Time
	}{
		{"from", &filter.from},
		{"to", &filter.to},
	} {
		raw := strings.TrimSpace(c.Query(bound.param))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return usageFilter{}, usage.ErrInvalidValue
		}
		ts = ts.UTC()
		*bound.dst = &ts
	}
	return filter, nil
}

func (f usageFilter) apply(records []domain.SDR) []domain.SDR {
	out := make([]domain.SDR, 0, len(records))
	for _, sdr := range records {
		if f.unit != "" && !strings.EqualFold(sdr.Unit, f.unit) {
			continue
		}
		if f.from != nil && sdr.Timestamp.Before(*f.from) {
			continue
		}
		if f.to != nil && sdr.Timestamp.After(*f.to) {
			continue
		}
		out = append(out, sdr)
	}
	return out
}
