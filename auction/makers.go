package auction

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type MakerAPI uint8

const (
	MakerAPIFusionRFQ MakerAPI = iota
	MakerAPIQuoteV01
)

var ErrInvalidMaker = errors.New("invalid maker specification")

type MakersConfig struct {
	Makers []struct {
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		API      string `yaml:"api"`
		Internal bool   `yaml:"internal"`
		Disabled bool   `yaml:"disabled"`
	} `yaml:"makers"`
}

// LoadMakersConfig parses a maker config from a file
func LoadMakersConfig(file string) (MakersBackend, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return MakersBackend{}, err
	}

	var config MakersConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return MakersBackend{}, err
	}

	externalMakers := make([]JSONRPCMakerBackend, 0)
	internalMakers := make([]JSONRPCMakerBackend, 0)
	for _, maker := range config.Makers {
		if maker.Disabled {
			continue
		}

		var api MakerAPI
		switch maker.API {
		case "fusion-rfq":
			api = MakerAPIFusionRFQ
		case "v0.1":
			api = MakerAPIQuoteV01
		default:
			return MakersBackend{}, ErrInvalidMaker
		}

		makerBackend := JSONRPCMakerBackend{
			Name:   maker.Name,
			Client: jsonrpc.NewClient(maker.URL),
			API:    api,
		}

		if maker.Internal {
			internalMakers = append(internalMakers, makerBackend)
		} else {
			externalMakers = append(externalMakers, makerBackend)
		}
	}

	return MakersBackend{
		externalMakers: externalMakers,
		internalMakers: internalMakers,
	}, nil
}

// SendQuoteV01Args is the quote format of the first maker API generation.
// Those makers only understand the bare meta order.
type SendQuoteV01Args struct {
	OrderID   string     `json:"orderId"`
	MetaOrder *MetaOrder `json:"metaOrder"`
}

type JSONRPCMakerBackend struct {
	Name   string
	Client jsonrpc.RPCClient
	API    MakerAPI
}

func (m *JSONRPCMakerBackend) SendQuote(ctx context.Context, quote *PublicQuote) error {
	switch m.API {
	case MakerAPIFusionRFQ:
		res, err := m.Client.Call(ctx, "maker_quote", []PublicQuote{*quote})
		if err != nil {
			return err
		}
		if res.Error != nil {
			return res.Error
		}
	case MakerAPIQuoteV01:
		args := SendQuoteV01Args{OrderID: quote.OrderID, MetaOrder: quote.MetaOrder}
		res, err := m.Client.Call(ctx, "maker_sendQuote", []SendQuoteV01Args{args})
		if err != nil {
			return err
		}
		if res.Error != nil {
			return res.Error
		}
	}
	return nil
}

func (m *JSONRPCMakerBackend) CancelOrder(ctx context.Context, orderID string) error {
	res, err := m.Client.Call(ctx, "maker_cancelOrder", []string{orderID})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

type MakersBackend struct {
	externalMakers []JSONRPCMakerBackend
	internalMakers []JSONRPCMakerBackend
}

// SendQuote sends a quote to all makers.
// Quotes are sent to all makers in parallel.
func (b *MakersBackend) SendQuote(ctx context.Context, logger *zap.Logger, quote *PublicQuote) {
	var wg sync.WaitGroup

	// internal makers must see every quote
	internalMakersSuccess := make([]bool, len(b.internalMakers))
	for idx, maker := range b.internalMakers {
		wg.Add(1)
		go func(maker JSONRPCMakerBackend, idx int) {
			defer wg.Done()

			start := time.Now()
			err := maker.SendQuote(ctx, quote)
			logger.Debug("Sent quote to internal maker", zap.String("maker", maker.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))

			if err != nil {
				logger.Warn("Failed to send quote to internal maker", zap.Error(err), zap.String("maker", maker.Name))
			} else {
				internalMakersSuccess[idx] = true
			}
		}(maker, idx)
	}

	for _, maker := range b.externalMakers {
		wg.Add(1)
		go func(maker JSONRPCMakerBackend) {
			defer wg.Done()

			start := time.Now()
			err := maker.SendQuote(ctx, quote)
			logger.Debug("Sent quote to external maker", zap.String("maker", maker.Name), zap.Duration("duration", time.Since(start)), zap.Error(err))

			if err != nil {
				logger.Warn("Failed to send quote to external maker", zap.Error(err), zap.String("maker", maker.Name))
			}
		}(maker)
	}

	wg.Wait()

	sentToInternal := false
	for _, success := range internalMakersSuccess {
		if success {
			sentToInternal = true
			break
		}
	}
	if len(b.internalMakers) > 0 && !sentToInternal {
		logger.Error("Failed to send quote to any of the internal makers")
	}
}

// CancelOrder notifies makers that an order is gone. Only internal makers
// track open orders, external cancellations are not supported.
func (b *MakersBackend) CancelOrder(ctx context.Context, logger *zap.Logger, orderID string) {
	var wg sync.WaitGroup
	for _, maker := range b.internalMakers {
		wg.Add(1)
		go func(maker JSONRPCMakerBackend) {
			defer wg.Done()
			err := maker.CancelOrder(ctx, orderID)
			if err != nil {
				logger.Warn("Failed to cancel order on the internal maker", zap.Error(err), zap.String("maker", maker.Name))
			}
		}(maker)
	}
	wg.Wait()
}
