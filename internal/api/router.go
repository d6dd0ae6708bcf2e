// Package api HTTP интерфейс управления звонками: REST команды над
// сессиями, поток событий по websocket и метрики Prometheus.
package api

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/session"
)

// Phone операции менеджера сессий, которые нужны API
type Phone interface {
	Call(ctx context.Context, target string, opts session.CallOptions) (*session.Session, error)
	Session(id string) (*session.Session, bool)
	Sessions() []*session.Session
}

// Events источник событий для websocket
type Events interface {
	Subscribe() (<-chan event.Event, func())
}

// Deps зависимости API
type Deps struct {
	Phone  Phone
	Events Events
	// Gatherer реестр метрик; nil - prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
	// Defaults параметры медиа для вызовов без явных audio/video
	Defaults session.CallOptions
	// Mode режим gin: release, debug или test
	Mode   string
	Logger zerolog.Logger
}

type controller struct {
	phone    Phone
	events   Events
	defaults session.CallOptions
	log      zerolog.Logger
}

// NewRouter собирает маршруты API
func NewRouter(deps Deps) *gin.Engine {
	switch deps.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(deps.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	ctl := &controller{
		phone:    deps.Phone,
		events:   deps.Events,
		defaults: deps.Defaults,
		log:      deps.Logger.With().Str("module", "api").Logger(),
	}

	r := gin.New()
	if deps.Mode == gin.DebugMode {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/events", ctl.streamEvents)

	calls := r.Group("/calls")
	calls.POST("", ctl.createCall)
	calls.GET("", ctl.listCalls)

	call := calls.Group("/:id", ctl.loadSession)
	call.GET("", ctl.getCall)
	call.DELETE("", ctl.terminate)
	call.POST("/answer", ctl.answer)
	call.POST("/hold", ctl.hold)
	call.POST("/unhold", ctl.unhold)
	call.POST("/mute", ctl.mute)
	call.POST("/unmute", ctl.unmute)
	call.POST("/dtmf", ctl.dtmf)
	call.POST("/refer", ctl.refer)
	call.POST("/plugins/:name", ctl.togglePlugin)

	ctl.log.Info().Msg("router setup")
	return r
}
