package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/net/publicsuffix"

	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/config"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/journal"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/logging"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/persistence"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/remote"
	"github.com/abconlinecourses/pdfx-xblock-sub000/internal/tools"
)

// app is one learner/block session: the handler client, the engine behind
// it and the façade tools talk to.
type app struct {
	cfg      config.Config
	log      *logging.Logger
	registry *prometheus.Registry
	client   *remote.Client
	engine   *persistence.Engine
	iface    *tools.Interface
}

func newApp(cfg config.Config, logOut io.Writer) (*app, error) {
	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    cfg.Log.Console,
		Pretty:     cfg.Log.Pretty,
		Writer:     logOut,
	})
	if err != nil {
		return nil, err
	}
	for _, warning := range cfg.Warnings {
		logger.Warn().Msg(warning)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout, Jar: jar}

	tokens, err := tokenChain(cfg, httpClient)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	client, err := remote.NewClient(cfg.HandlerURL, remote.Options{
		HTTPClient:  httpClient,
		Tokens:      tokens,
		CSRFHeader:  cfg.CSRFHeader,
		LoadRetries: cfg.LoadRetries,
		Timeout:     cfg.RequestTimeout,
		Logger:      logger.With().Str("component", "remote").Logger(),
	})
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	backend, err := journal.BuildBackendFromDSN(cfg.JournalDSN, journal.Scope(cfg.UserID, cfg.BlockID))
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := cfg.EngineOptions()
	opts.Journal = backend
	opts.Metrics = persistence.NewMetrics(registry)
	opts.Logger = logger.Logger
	engine, err := persistence.New(client, opts)
	if err != nil {
		_ = journal.Close(backend)
		_ = logger.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		client:   client,
		engine:   engine,
		iface:    tools.New(engine),
	}, nil
}

// tokenChain orders token discovery: explicit token, then the viewer page,
// then the handler's cookie.
func tokenChain(cfg config.Config, httpClient *http.Client) (remote.TokenSource, error) {
	var chain remote.Chain
	if token := strings.TrimSpace(cfg.CSRFToken); token != "" {
		chain = append(chain, remote.StaticToken(token))
	}
	if pageURL := strings.TrimSpace(cfg.PageURL); pageURL != "" {
		chain = append(chain, remote.PageTokenSource{Load: remote.FetchPage(httpClient, pageURL)})
	}
	handlerURL, err := url.Parse(cfg.HandlerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: handler url: %v", config.ErrInvalidConfig, err)
	}
	cookieName := strings.TrimSpace(cfg.CSRFCookie)
	if cookieName == "" {
		cookieName = remote.DefaultCSRFCookie
	}
	chain = append(chain, remote.CookieTokenSource{Jar: httpClient.Jar, URL: handlerURL, Name: cookieName})
	return chain, nil
}

// close detaches the façade and lets the engine make its final save attempt.
func (a *app) close(ctx context.Context) error {
	a.iface.Detach()
	err := a.engine.Close(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("final save failed; unsaved work stays in the journal")
	}
	_ = a.log.Close()
	return err
}
