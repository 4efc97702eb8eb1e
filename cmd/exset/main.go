package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValerySidorin/exset/pkg/catalogue"
	"github.com/ValerySidorin/exset/pkg/exset"
	"github.com/ValerySidorin/exset/pkg/handoff"
	util_log "github.com/ValerySidorin/exset/pkg/util/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// submission is the document accepted by -submit.file.
type submission struct {
	Response            catalogue.Response `json:"response"`
	BatchID             string             `json:"batchId"`
	CorrelationID       string             `json:"correlationId"`
	CallbackURI         string             `json:"callbackUri"`
	ExchangeSetStandard string             `json:"exchangeSetStandard"`
	ProductIdentifier   string             `json:"productIdentifier"`
	IgnoreCache         bool               `json:"ignoreCache"`
}

func main() {
	var (
		cfg         exset.Config
		configFile  string
		printConfig bool
		submitFile  string
	)

	fs := flag.CommandLine
	fs.StringVar(&configFile, "config.file", "", "YAML configuration file to load.")
	fs.BoolVar(&printConfig, "print.config", false, "Print the effective configuration and exit.")
	fs.StringVar(&submitFile, "submit.file", "", "Submit the catalogue response in this JSON file as a new job and exit.")
	cfg.RegisterFlags(fs)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if configFile != "" {
		util_log.CheckFatal("loading config", loadConfig(fs, configFile, &cfg))
	}

	util_log.InitLogger(&cfg.Log)

	if printConfig {
		b, err := exset.Dump(&cfg)
		util_log.CheckFatal("rendering config", err)
		fmt.Print(string(b))
		return
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e, err := exset.New(cfg, reg)
	util_log.CheckFatal("initializing exset", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if submitFile != "" {
		util_log.CheckFatal("submitting job", submit(ctx, e, submitFile))
		return
	}

	go serveAdmin(cfg.AdminAddr, reg)

	util_log.CheckFatal("running exset", e.Run(ctx))
}

// loadConfig reads path into cfg. Flags given on the command line win over
// the file, so they are applied again after it.
func loadConfig(fs *flag.FlagSet, path string, cfg *exset.Config) error {
	explicit := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if err := exset.Load(path, cfg); err != nil {
		return err
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return errors.Wrapf(err, "reapply flag -%s", name)
		}
	}
	return nil
}

func submit(ctx context.Context, e *exset.Exset, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read submission")
	}

	var s submission
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "decode submission")
	}

	if _, err := e.ModuleManager.InitModuleServices(exset.Submitter); err != nil {
		return err
	}
	defer e.Queue.Close()

	j, err := e.Submitter.Submit(ctx, s.Response, handoff.Request{
		BatchID:             s.BatchID,
		CorrelationID:       s.CorrelationID,
		CallbackURI:         s.CallbackURI,
		ExchangeSetStandard: s.ExchangeSetStandard,
		ProductIdentifier:   s.ProductIdentifier,
		IgnoreCache:         s.IgnoreCache,
		RequestedAt:         time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	fmt.Println(j.BatchID)
	return nil
}

func serveAdmin(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if err := http.ListenAndServe(addr, mux); err != nil {
		_ = level.Error(util_log.Logger).Log("msg", "admin server stopped", "addr", addr, "err", err)
	}
}
