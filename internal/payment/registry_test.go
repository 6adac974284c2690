package payment

import (
	"testing"

	"github.com/storewise/charging/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatewayConfig() config.Config {
	return config.Config{
		PaymentProvider:     "PayPal",
		PaymentAPIURL:       "https://api.sandbox.paypal.test",
		PaymentClientID:     "client-id",
		PaymentClientSecret: "client-secret",
		SiteURL:             "https://store.test",
	}
}

func TestRegistrySelectsConfiguredProvider(t *testing.T) {
	registry := NewRegistry(NewPayPalFactory())

	assert.True(t, registry.ProviderExists("paypal"))
	assert.True(t, registry.ProviderExists(" PayPal "))
	assert.False(t, registry.ProviderExists("braintree"))

	client, err := registry.NewClient(gatewayConfig())
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestRegistryUnknownProvider(t *testing.T) {
	registry := NewRegistry(NewPayPalFactory())

	cfg := gatewayConfig()
	cfg.PaymentProvider = "wire-transfer"
	_, err := registry.NewClient(cfg)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestPayPalFactoryRequiresCredentials(t *testing.T) {
	factory := NewPayPalFactory()

	cfg := gatewayConfig()
	cfg.PaymentClientSecret = ""
	_, err := factory.NewClient(cfg)
	assert.Error(t, err)

	cfg = gatewayConfig()
	cfg.PaymentClientID = ""
	_, err = factory.NewClient(cfg)
	assert.Error(t, err)

	cfg = gatewayConfig()
	cfg.PaymentAPIURL = "  "
	_, err = factory.NewClient(cfg)
	assert.Error(t, err)
}
