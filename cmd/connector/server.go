package main

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"connector/internal/config"
	"connector/internal/domain"
	"connector/internal/interface/connection"
	"connector/internal/interface/handler"
	"connector/internal/interface/listener"
	"connector/internal/interface/repository/access"
	"connector/internal/interface/repository/metrics"
	"connector/internal/usecase"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// server は設定から組み立てたコネクター一式.
type server struct {
	logger     domain.Logger
	metrics    *metrics.Repository
	registry   *connection.Registry
	access     *access.Repository
	metricsUC  *usecase.MetricsUseCase
	dispatcher *usecase.Dispatcher
	listeners  []boundListener
}

type boundListener struct {
	name   string
	runner listener.Runner
	ln     net.Listener
}

// newServer は依存関係を組み立て, 全てのリスナーのアドレスをバインドする.
func newServer(cfg *config.Config, logger domain.Logger) (*server, error) {
	metricsFile := cfg.Metrics.File
	if metricsFile == "" {
		metricsFile = filepath.Join(cfg.Log.Dir, "metrics.json")
	}
	if err := os.MkdirAll(filepath.Dir(metricsFile), 0755); err != nil {
		return nil, errors.Wrap(err, "preparing metrics directory")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Access.File), 0755); err != nil {
		return nil, errors.Wrap(err, "preparing access config directory")
	}

	s := &server{logger: logger, metrics: metrics.New(metricsFile)}

	s.registry = connection.NewRegistry(logger, s.metrics)
	s.registry.Register("jdbc", connection.SQLDriver{})
	s.registry.Register("tcp", connection.NewTCPDriver())

	s.access = access.New(cfg.Access.File, logger, cfg.Access.WatchInterval)
	s.metricsUC = usecase.NewMetricsUseCase(s.metrics, s.registry, logger, usecase.MetricsConfig{
		SaveInterval: cfg.Metrics.SaveInterval,
	})
	s.dispatcher = usecase.NewDispatcher(s.access, s.metrics, logger)

	if err := s.attach(cfg); err != nil {
		s.release()
		return nil, err
	}
	if err := s.bind(cfg); err != nil {
		s.release()
		return nil, err
	}
	return s, nil
}

// attach はハンドラーをディスパッチャーに登録する.
func (s *server) attach(cfg *config.Config) error {
	if err := handler.NewMetricsHandler(s.metricsUC, s.logger).Attach(s.dispatcher); err != nil {
		return errors.Wrap(err, "attaching metrics handler")
	}

	if cfg.SQL != nil {
		h := handler.NewSQLHandler(s.registry, cfg.SQL.DefaultURI, s.logger)
		if err := s.dispatcher.Attach(cfg.SQL.Pattern, h.Methods()); err != nil {
			return errors.Wrap(err, "attaching sql handler")
		}
	}

	for _, r := range cfg.Redirects {
		h := handler.NewRedirectHandler(s.registry, handler.RedirectConfig{
			Target:      r.Target,
			Properties:  r.Properties,
			StripPrefix: r.StripPrefix,
		}, s.logger)
		if err := s.dispatcher.Attach(r.Pattern, h.Methods()); err != nil {
			return errors.Wrapf(err, "attaching redirect to %s", r.Target)
		}
	}
	return nil
}

func (s *server) bind(cfg *config.Config) error {
	for _, lc := range cfg.Listeners {
		runner, err := newRunner(lc, s.dispatcher, s.logger, s.metrics)
		if err != nil {
			return errors.Wrapf(err, "listener %s", lc.Name)
		}
		ln, err := net.Listen("tcp", lc.Address)
		if err != nil {
			return errors.Wrapf(err, "listener %s", lc.Name)
		}
		s.listeners = append(s.listeners, boundListener{name: lc.Name, runner: runner, ln: ln})
	}
	return nil
}

func newRunner(
	lc config.ListenerConfig, h domain.Handler, logger domain.Logger, m domain.MetricsCollector,
) (listener.Runner, error) {
	opts := listener.HTTPOptions{
		ReadTimeout:    lc.ReadTimeout,
		WriteTimeout:   lc.WriteTimeout,
		IdleTimeout:    lc.IdleTimeout,
		MaxHeaderBytes: lc.MaxHeaderBytes,
	}

	switch lc.Protocol {
	case config.ProtocolHTTP:
		return listener.New(listener.NewHTTP(h, logger, m, opts), logger, m), nil
	case config.ProtocolHTTPS:
		tlsConfig, err := listener.LoadTLSConfig(lc.CertFile, lc.KeyFile)
		if err != nil {
			return nil, err
		}
		return listener.NewTLS(listener.NewHTTP(h, logger, m, opts), tlsConfig, logger, m), nil
	case config.ProtocolAJP:
		return listener.New(listener.NewAJP(h, logger, m, opts), logger, m), nil
	case config.ProtocolServlet:
		return listener.NewServlet(h, logger, m, opts), nil
	case config.ProtocolFastHTTP:
		return listener.NewFastHTTP(h, logger, m, opts), nil
	}
	return nil, errors.Errorf("unknown protocol %q", lc.Protocol)
}

// addr は名前のリスナーが待ち受けるアドレス.
func (s *server) addr(name string) string {
	for _, l := range s.listeners {
		if l.name == name {
			return l.ln.Addr().String()
		}
	}
	return ""
}

// run はctxが終わるかリスナーが失敗するまで全てのリスナーを動かす.
func (s *server) run(ctx context.Context) error {
	if err := s.metricsUC.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range s.listeners {
		l := l
		g.Go(func() error {
			return errors.Wrapf(l.runner.Serve(gctx, l.ln), "listener %s", l.name)
		})
	}
	err := g.Wait()

	s.logger.Info("Shutting down", nil)
	if serr := s.metricsUC.Stop(); serr != nil {
		s.logger.Error("Failed to save metrics", serr, nil)
	}
	s.release()
	return err
}

// release はリスナー以外の資源を解放する.
func (s *server) release() {
	for _, l := range s.listeners {
		l.runner.Close()
		l.ln.Close()
	}
	if err := s.registry.Close(); err != nil {
		s.logger.Error("Failed to close connection pools", err, nil)
	}
	s.access.Close()
}
