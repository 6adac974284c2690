package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/storewise/charging/internal/ordering/domain"
	orderrepo "github.com/storewise/charging/internal/ordering/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

func newUsageTestServer(t *testing.T) (*gin.Engine, *orderrepo.Repository, *snowflake.Node) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Order{}, &domain.Contract{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	orders := orderrepo.New(db)
	engine := registerGin(prometheus.NewRegistry())
	srv := &Server{
		engine: engine,
		log:    zaptest.NewLogger(t),
		orders: orders,
	}
	srv.registerRoutes()
	return engine, orders, node
}

func sdrAt(unit, value string, correlation int64, ts time.Time) domain.SDR {
	return domain.SDR{
		Unit:              unit,
		Value:             value,
		CorrelationNumber: correlation,
		Timestamp:         ts,
	}
}

func TestOrderUsageViewFilters(t *testing.T) {
	engine, orders, node := newUsageTestServer(t)

	base := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	order := &domain.Order{
		ID:         node.Generate(),
		ExternalID: "order-42",
		Customer:   "alice",
		OwnerOrgID: node.Generate(),
		State:      domain.OrderStatePaid,
		Contracts: []domain.Contract{{
			ID:        node.Generate(),
			ItemID:    "item-1",
			ProductID: "product-9",
			PendingSDRs: []domain.SDR{
				sdrAt("call", "4", 1, base),
				sdrAt("megabyte", "120", 2, base.Add(time.Hour)),
			},
			AppliedSDRs: []domain.SDR{
				sdrAt("call", "10", 0, base.Add(-48*time.Hour)),
			},
		}},
	}
	require.NoError(t, orders.Save(t.Context(), order))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/charging/orders/order-42/usage?unit=call", nil)
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var view usageView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Staged, 1)
	assert.Equal(t, "call", view.Staged[0].Unit)
	require.Len(t, view.Applied, 1)

	// The time window cuts off the old applied record.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet,
		"/charging/orders/order-42/usage?from="+base.Format(time.RFC3339), nil)
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Len(t, view.Staged, 2)
	assert.Empty(t, view.Applied)
}

func TestOrderUsageUnknownOrder(t *testing.T) {
	engine, _, _ := newUsageTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/charging/orders/no-such/usage", nil)
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrderUsageRejectsBadWindow(t *testing.T) {
	engine, orders, node := newUsageTestServer(t)
	require.NoError(t, orders.Save(t.Context(), &domain.Order{
		ID:         node.Generate(),
		ExternalID: "order-43",
		Customer:   "alice",
		OwnerOrgID: node.Generate(),
		State:      domain.OrderStatePaid,
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/charging/orders/order-43/usage?from=yesterday", nil)
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
