package binance

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"copy-trading-bot/internal/broker"
	"copy-trading-bot/internal/vault"
)

// CredentialSource resolves a binding's key pair.
type CredentialSource interface {
	GetCredentials(ctx context.Context, accountID, bindingID string) (*vault.Credentials, error)
}

// BindingSpec describes a binding to build a client for.
type BindingSpec struct {
	AccountID      string
	BindingID      string
	Kind           broker.Kind
	Testnet        bool
	BaseURL        string
	InitialBalance float64 // paper bindings only
}

// FactoryConfig holds pacing defaults applied to every Binance client.
type FactoryConfig struct {
	RequestsPerSecond float64
	Burst             int
	TakerFeeRate      float64
	Timeout           time.Duration
}

// ClientFactory creates and caches one broker client per binding. Each
// client carries its own credentials and limiter.
type ClientFactory struct {
	creds  CredentialSource
	cfg    FactoryConfig
	logger zerolog.Logger

	clients sync.Map // accountID/bindingID -> broker.Client
}

func NewClientFactory(creds CredentialSource, cfg FactoryConfig, logger zerolog.Logger) *ClientFactory {
	return &ClientFactory{creds: creds, cfg: cfg, logger: logger}
}

// ClientFor resolves the tagged broker kind of spec to a client.
func (f *ClientFactory) ClientFor(ctx context.Context, spec BindingSpec) (broker.Client, error) {
	key := spec.AccountID + "/" + spec.BindingID
	if c, ok := f.clients.Load(key); ok {
		return c.(broker.Client), nil
	}

	var client broker.Client
	switch spec.Kind {
	case broker.KindPaper:
		client = broker.NewPaperClient(spec.InitialBalance, f.cfg.TakerFeeRate)
	case broker.KindBinanceFutures:
		creds, err := f.creds.GetCredentials(ctx, spec.AccountID, spec.BindingID)
		if err != nil {
			return nil, fmt.Errorf("failed to get credentials for %s: %w", key, err)
		}
		timeout := f.cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = NewFuturesClient(creds.APIKey, creds.SecretKey, Options{
			BaseURL:      spec.BaseURL,
			Testnet:      spec.Testnet || creds.IsTestnet,
			HTTPClient:   &http.Client{Timeout: timeout},
			Limiter:      NewLimiter(f.cfg.RequestsPerSecond, f.cfg.Burst),
			TakerFeeRate: f.cfg.TakerFeeRate,
			Logger:       f.logger.With().Str("account", spec.AccountID).Str("binding", spec.BindingID).Logger(),
		})
	default:
		return nil, fmt.Errorf("unsupported broker kind %q for %s", spec.Kind, key)
	}

	actual, _ := f.clients.LoadOrStore(key, client)
	return actual.(broker.Client), nil
}

// Invalidate drops a cached client, e.g. after a key rotation.
func (f *ClientFactory) Invalidate(accountID, bindingID string) {
	f.clients.Delete(accountID + "/" + bindingID)
}
