package main

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iurnickita/talerpay/internal/config"
	"github.com/iurnickita/talerpay/internal/logger"
	"github.com/iurnickita/talerpay/internal/metrics"
	"github.com/iurnickita/talerpay/internal/poller"
	"github.com/iurnickita/talerpay/internal/service"
	"github.com/iurnickita/talerpay/internal/service/merchantclient"
	"github.com/iurnickita/talerpay/internal/sink"
	"github.com/iurnickita/talerpay/internal/store"
)

// app собранные зависимости процесса.
type app struct {
	cfg     config.Config
	zaplog  *zap.Logger
	store   store.Store
	service service.Service
	poller  *poller.Poller
	closers []func() error
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	dir, err := cmd.Flags().GetString("config-dir")
	if err != nil {
		return config.Config{}, err
	}
	return config.GetConfig(dir)
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return nil, err
	}
	metrics.Setup(cfg.Metrics, zaplog)

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, zaplog: zaplog, store: store, closers: []func() error{store.Close}}

	sinks := []sink.PaymentSink{sink.NewStoreSink(store)}
	if len(cfg.Sink.Brokers) > 0 {
		writer := sink.NewKafkaWriter(cfg.Sink)
		sinks = append(sinks, sink.NewKafkaSink(writer))
		a.closers = append(a.closers, writer.Close)
	}

	provider := cfg.Service.Provider
	client := merchantclient.NewMerchantClient(provider.MerchantAPIURL, provider.Instance, provider.MerchantAPIKey)
	a.service = service.NewService(cfg.Service, store, client, sink.Multi(sinks...), zaplog)
	a.poller = poller.NewPoller(cfg.Poller, store, a.service, zaplog)

	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.zaplog.Sync()
	return errors.Join(errs...)
}
