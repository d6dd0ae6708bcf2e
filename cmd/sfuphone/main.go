// sfuphone SIP телефон с туннелированной сигнализацией SFU.
//
// Запуск:
//
//	sfuphone --config sfuphone.yaml [--call sip:room@pbx] [--auto-answer]
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sfu_phone/internal/api"
	"github.com/arzzra/sfu_phone/pkg/config"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/media/pionrtc"
	"github.com/arzzra/sfu_phone/pkg/metrics"
	"github.com/arzzra/sfu_phone/pkg/plugin"
	"github.com/arzzra/sfu_phone/pkg/session"
	"github.com/arzzra/sfu_phone/pkg/sipua"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	call       string
	conference bool
	autoAnswer bool
}

func main() {
	fs := pflag.NewFlagSet("sfuphone", pflag.ExitOnError)
	config.Flags(fs)
	var opts options
	fs.StringVar(&opts.call, "call", "", "позвонить на SIP URI после запуска")
	fs.BoolVar(&opts.conference, "conference", false, "вызов --call в режиме конференции SFU")
	fs.BoolVar(&opts.autoAnswer, "auto-answer", false, "автоматически отвечать на входящие вызовы и принимать REFER")
	_ = fs.Parse(os.Args[1:])

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	out, closer := cfg.LogWriter()
	log.Logger = cfg.LoggerTo(out)
	if closer != nil {
		defer closer.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, opts); err != nil {
		log.Error().Err(err).Msg("sfuphone stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("sfuphone exited gracefully")
}

func run(ctx context.Context, cfg *config.Config, opts options) error {
	logger := log.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(metrics.Config{Registerer: reg})

	bus := event.NewBus(logger)
	defer bus.Close()

	ua, err := sipua.New(cfg.UAConfig(logger))
	if err != nil {
		return errors.Wrap(err, "sip user agent")
	}

	sc := cfg.SessionConfig()
	sc.Transport = ua
	sc.Contact = ua.Contact()
	sc.Factory = pionrtc.NewFactory(cfg.MediaConfig(logger))
	sc.Capturer = &pionrtc.Capturer{}
	sc.Sink = bus
	sc.Logger = logger
	sc.Metrics = collector
	sc.Sources = func() []plugin.StreamSource {
		return []plugin.StreamSource{plugin.NewScreenShare(plugin.ScreenShareConfig{
			Room:    cfg.SFU.Room,
			Display: cfg.SIP.DisplayName,
			Logger:  logger,
			Metrics: collector,
		})}
	}
	manager := session.NewManager(sc)
	ua.SetHandler(manager)

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(api.Deps{
			Phone:    manager,
			Events:   bus,
			Gatherer: reg,
			Defaults: cfg.CallDefaults(),
			Mode:     cfg.HTTP.Mode,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ua.ListenAndServe(ctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http api started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http api")
		}
		return nil
	})
	g.Go(func() error {
		watchSessions(ctx, bus, cfg.CallDefaults(), opts.autoAnswer)
		return nil
	})
	if opts.call != "" {
		g.Go(func() error {
			callOpts := cfg.CallDefaults()
			callOpts.Conference = opts.conference
			s, err := manager.Call(ctx, opts.call, callOpts)
			if err != nil {
				log.Error().Err(err).Str("target", opts.call).Msg("startup call failed")
				return nil
			}
			log.Info().Str("session", s.ID()).Str("target", opts.call).Msg("startup call placed")
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http api forced to shutdown")
		}
		if err := manager.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("sessions did not finish in time")
		}
		if err := ua.Close(); err != nil {
			log.Warn().Err(err).Msg("close sip user agent")
		}
		return nil
	})
	return g.Wait()
}

// watchSessions отвечает на входящие вызовы и решает по входящим REFER
func watchSessions(ctx context.Context, bus *event.Bus, defaults session.CallOptions, autoAnswer bool) {
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case event.NewSession:
				s, ok := e.Payload.(*session.Session)
				if !ok || e.Originator != event.Remote {
					continue
				}
				log.Info().Str("session", s.ID()).Str("from", e.Info).Bool("auto_answer", autoAnswer).Msg("incoming call")
				if autoAnswer {
					go func() {
						err := s.Answer(ctx, session.AnswerOptions{Audio: defaults.Audio, Video: defaults.Video})
						if err != nil {
							log.Warn().Err(err).Str("session", s.ID()).Msg("auto answer failed")
						}
					}()
				}
			case event.Refer:
				req, ok := e.Payload.(*session.ReferRequest)
				if !ok {
					continue
				}
				if !autoAnswer {
					req.Reject()
					continue
				}
				go func() {
					if _, err := req.Accept(ctx, defaults); err != nil {
						log.Warn().Err(err).Str("target", req.Target).Msg("transfer failed")
					}
				}()
			}
		}
	}
}
