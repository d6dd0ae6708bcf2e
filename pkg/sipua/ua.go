// Package sipua связывает ядро звонка с SIP стеком sipgo.
//
// UA реализует sipmsg.Transport для исходящих запросов и передает
// входящие запросы в sipmsg.RequestHandler (менеджер сессий). Разбор и
// сериализация сообщений, транзакции и ретрансмиссии выполняет sipgo.
package sipua

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// Транспорты, которые умеет слушать UA
const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// Config параметры SIP агента
type Config struct {
	// Host адрес, на котором слушает агент и который попадает в Contact
	Host string
	Port int
	// Transport udp, tcp или ws
	Transport string
	// User пользовательская часть Contact
	User      string
	UserAgent string

	// Username и Password для digest аутентификации исходящих запросов
	Username string
	Password string

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 5060
	}
	if c.Transport == "" {
		c.Transport = TransportUDP
	}
	c.Transport = strings.ToLower(c.Transport)
	if c.UserAgent == "" {
		c.UserAgent = "sfuphone"
	}
	return c
}

// UA SIP агент на базе sipgo
type UA struct {
	cfg Config
	log zerolog.Logger

	ua  *sipgo.UserAgent
	srv *sipgo.Server
	cli *sipgo.Client

	mu      sync.RWMutex
	handler sipmsg.RequestHandler
	// renumbered CSeq INVITE после повтора с аутентификацией:
	// "call-id cseq" -> новый CSeq, для ACK на 2xx
	renumbered map[string]uint32
	// сдвиг CSeq звонка после повторов с аутентификацией
	offsets map[string]uint32
}

var _ sipmsg.Transport = (*UA)(nil)

// New создает агента. Слушать транспорт начинает ListenAndServe.
func New(cfg Config) (*UA, error) {
	cfg = cfg.withDefaults()
	switch cfg.Transport {
	case TransportUDP, TransportTCP, TransportWS:
	default:
		return nil, errors.Errorf("unsupported transport %q", cfg.Transport)
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent), sipgo.WithUserAgentHostname(cfg.Host))
	if err != nil {
		return nil, errors.Wrap(err, "new sip user agent")
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, errors.Wrap(err, "new sip server")
	}
	cli, err := sipgo.NewClient(ua, sipgo.WithClientHostname(cfg.Host))
	if err != nil {
		return nil, errors.Wrap(err, "new sip client")
	}

	u := &UA{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("module", "sipua").Logger(),
		ua:         ua,
		srv:        srv,
		cli:        cli,
		renumbered: make(map[string]uint32),
		offsets:    make(map[string]uint32),
	}
	u.onRequests()
	return u, nil
}

// Contact URI агента для Contact исходящих запросов и ответов
func (u *UA) Contact() string {
	uri := fmt.Sprintf("sip:%s:%d", u.cfg.Host, u.cfg.Port)
	if u.cfg.User != "" {
		uri = fmt.Sprintf("sip:%s@%s:%d", u.cfg.User, u.cfg.Host, u.cfg.Port)
	}
	if u.cfg.Transport != TransportUDP {
		uri += ";transport=" + u.cfg.Transport
	}
	return uri
}

// SetHandler устанавливает получателя входящих запросов. До вызова
// входящие запросы отклоняются 503.
func (u *UA) SetHandler(h sipmsg.RequestHandler) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

// ListenAndServe слушает сконфигурированный транспорт до отмены ctx
func (u *UA) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", u.cfg.Host, u.cfg.Port)
	u.log.Info().Str("transport", u.cfg.Transport).Str("addr", addr).Msg("sip listening")
	err := u.srv.ListenAndServe(ctx, u.cfg.Transport, addr)
	if err != nil && ctx.Err() == nil {
		return errors.Wrapf(err, "listen %s %s", u.cfg.Transport, addr)
	}
	return nil
}

// Close освобождает клиент, сервер и транспорты sipgo
func (u *UA) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{u.cli, u.srv, u.ua} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (u *UA) onRequests() {
	u.srv.OnInvite(u.serve)
	u.srv.OnAck(u.serve)
	u.srv.OnCancel(u.serve)
	u.srv.OnBye(u.serve)
	u.srv.OnUpdate(u.serve)
	u.srv.OnInfo(u.serve)
	u.srv.OnRefer(u.serve)
	u.srv.OnNotify(u.serve)
	u.srv.OnSubscribe(u.serve)
	u.srv.OnOptions(u.serve)
	u.srv.OnMessage(u.serve)
}

// serve переводит запрос sipgo в sipmsg и передает обработчику
func (u *UA) serve(req *sip.Request, tx sip.ServerTransaction) {
	stx := &serverTx{ua: u, req: req, tx: tx}

	msg, err := fromSIPRequest(req)
	if err != nil {
		u.log.Warn().Err(err).Str("method", string(req.Method)).Msg("malformed request")
		if req.Method != sip.ACK {
			_ = stx.respond(sip.NewResponseFromRequest(req, 400, err.Error(), nil), false)
		}
		return
	}

	u.mu.RLock()
	h := u.handler
	u.mu.RUnlock()
	if h == nil {
		if req.Method != sip.ACK {
			_ = stx.respond(sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil), false)
		}
		return
	}

	u.log.Debug().
		Str("method", msg.Method).
		Str("call_id", msg.CallID).
		Uint32("cseq", msg.CSeq).
		Msg("request received")
	if req.Method == sip.ACK {
		h.HandleRequest(msg, nil)
		return
	}
	h.HandleRequest(msg, stx)
}
