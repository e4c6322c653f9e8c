package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tiancaiamao/sto"
	"go.uber.org/zap"
)

var (
	configPath  string
	metricsAddr string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

// setup loads the config, installs the logger and starts the epoch advancer.
func setup() (*sto.Config, func(), error) {
	conf, err := sto.LoadConfig(configPath)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := sto.SetConfig(conf); err != nil {
		return nil, nil, errors.Trace(err)
	}
	lg, err := sto.NewLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	sto.SetLogger(lg)
	lg.Info("config loaded", zap.String("path", configPath), zap.Any("config", conf))

	ctx, cancel := context.WithCancel(globalContext)
	done := sto.StartEpochAdvancer(ctx, conf.EpochInterval)

	var srv *http.Server
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(sto.NewCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				lg.Error("metrics server failed", zap.Error(err))
			}
		}()
		lg.Info("serving metrics", zap.String("addr", metricsAddr))
	}

	teardown := func() {
		if srv != nil {
			srv.Close()
		}
		cancel()
		<-done
		lg.Sync()
	}
	return conf, teardown, nil
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()
	}()

	rootCmd := &cobra.Command{
		Use:          "stostress",
		Short:        "Stress and benchmark the sto transactional memory",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "toml config file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(
		newCounterCommand(),
		newBankCommand(),
		newMapCommand(),
		newMvccCommand(),
	)

	err := rootCmd.Execute()
	globalCancel()
	if err != nil {
		os.Exit(1)
	}
}
