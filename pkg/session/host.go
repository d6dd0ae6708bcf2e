package session

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/dialog"
	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/media"
	"github.com/arzzra/sfu_phone/pkg/plugin"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// sessionHost возможности сессии для плагинов-источников
type sessionHost struct {
	s *Session
}

var _ plugin.Host = (*sessionHost)(nil)

func (h *sessionHost) SessionID() string { return h.s.ID() }

func (h *sessionHost) OpaqueID() string { return h.s.cfg.NewOpaqueID() }

func (h *sessionHost) OpenTunnel(ctx context.Context, opaqueID string) (plugin.Leg, error) {
	leg, err := h.s.openLeg(ctx, opaqueID)
	if err != nil {
		return nil, err
	}
	return leg, nil
}

func (h *sessionHost) Capture(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if h.s.cfg.Capturer == nil {
		return nil, errors.New("no media capturer")
	}
	return h.s.cfg.Capturer.Capture(ctx, c)
}

func (h *sessionHost) NewConnection(ctx context.Context) (media.Connection, error) {
	return h.s.cfg.Factory.NewConnection(ctx)
}

func (h *sessionHost) Emit(e event.Event) { h.s.emit(e) }

// tunnelLeg отдельный диалог с собственным туннелем SFU. Открывается
// плагином-источником (демонстрация экрана) к тому же адресату, что и
// основная сессия.
type tunnelLeg struct {
	s      *Session
	tunnel *janus.Tunnel
	handle *janus.Handle

	done   chan struct{}

	mu     sync.Mutex
	dlg    *dialog.Dialog
	closed bool
}

// openLeg отправляет INVITE с attach, подтверждает диалог и принимает
// основной handle нового туннеля
func (s *Session) openLeg(ctx context.Context, opaqueID string) (*tunnelLeg, error) {
	s.mu.Lock()
	st, target := s.statusLocked(), s.remoteURI
	s.mu.Unlock()
	if st != StatusConfirmed {
		return nil, errors.Wrapf(ErrInvalidState, "open tunnel in %s", st)
	}

	leg := &tunnelLeg{s: s, done: make(chan struct{})}
	leg.tunnel = janus.New(janus.CarrierFunc(leg.send), janus.Config{
		Plugin:   s.cfg.Plugin,
		OpaqueID: opaqueID,
		Timeout:  s.cfg.SFUTimeout,
		Logger:   s.cfg.Logger,
		Metrics:  s.cfg.Metrics,
	})
	body, err := leg.tunnel.AttachBody()
	if err != nil {
		return nil, err
	}
	invite := &sipmsg.Request{
		Method:      sipmsg.INVITE,
		URI:         target,
		From:        s.cfg.LocalURI,
		FromTag:     s.cfg.NewTag(),
		To:          target,
		CallID:      s.cfg.NewCallID(),
		CSeq:        1,
		Contact:     s.cfg.Contact,
		Headers:     s.inviteHeaders(),
		ContentType: janus.ContentType,
		Body:        body,
	}
	res, err := s.roundTrip(ctx, invite)
	if err != nil {
		return nil, errors.Wrap(err, "tunnel invite")
	}
	dlg, err := dialog.NewUAC(invite, res)
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Transport.Ack(context.Background(), dlg.NewAck(invite.CSeq, "", nil)); err != nil {
		s.log.Warn().Err(err).Msg("ack tunnel invite")
	}
	leg.dlg = dlg

	handle, err := leg.tunnel.AcceptAttach(res.Body)
	if err != nil {
		leg.tunnel.Close()
		s.sendBye(dlg, nil)
		dlg.Terminate()
		return nil, err
	}
	leg.handle = handle
	if s.router != nil {
		s.router.bind(dlg.Key(), leg)
	}
	s.log.Info().Str("leg", dlg.Key().String()).Uint64("handle", handle.ID).Msg("tunnel leg opened")
	return leg, nil
}

// Handle основной handle туннеля
func (l *tunnelLeg) Handle() *janus.Handle {
	return l.handle
}

// Done закрывается после BYE любой из сторон
func (l *tunnelLeg) Done() <-chan struct{} {
	return l.done
}

func (l *tunnelLeg) send(ctx context.Context, method string, headers sipmsg.Headers, body []byte) ([]byte, error) {
	l.mu.Lock()
	dlg, closed := l.dlg, l.closed
	l.mu.Unlock()
	if closed || dlg == nil {
		return nil, ErrTerminated
	}
	req, err := dlg.NewRequest(method, headers, janus.ContentType, body)
	if err != nil {
		return nil, err
	}
	res, err := l.s.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// HandleRequest принимает запросы внутри диалога туннеля
func (l *tunnelLeg) HandleRequest(req *sipmsg.Request, tx sipmsg.ServerTx) {
	l.mu.Lock()
	dlg := l.dlg
	l.mu.Unlock()
	if err := dlg.Receive(req); err != nil {
		if req.Method != sipmsg.ACK {
			respond(tx, sipmsg.NewResponse(req, 481, ""))
		}
		return
	}

	switch req.Method {
	case sipmsg.ACK:
	case sipmsg.NOTIFY, sipmsg.INFO:
		if sipmsg.BaseContentType(req.ContentType) != janus.ContentType {
			respond(tx, sipmsg.NewResponse(req, 415, ""))
			return
		}
		respond(tx, sipmsg.NewResponse(req, 200, ""))
		if err := l.tunnel.Dispatch(req.Body); err != nil {
			l.s.log.Warn().Err(err).Msg("dispatch tunnel leg message")
		}
	case sipmsg.BYE:
		respond(tx, sipmsg.NewResponse(req, 200, ""))
		l.release()
	default:
		respond(tx, sipmsg.NewResponse(req, 405, "").WithHeaders(sipmsg.Header{Name: "Allow", Value: legMethods}))
	}
}

const legMethods = "ACK, BYE, INFO, NOTIFY"

// release закрывает туннель и диалог без сигнализации
func (l *tunnelLeg) release() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	dlg := l.dlg
	l.mu.Unlock()

	l.tunnel.Close()
	if l.s.router != nil {
		l.s.router.unbind(dlg.Key())
	}
	dlg.Terminate()
	close(l.done)
}

// Close освобождает handle и завершает диалог BYE
func (l *tunnelLeg) Close(ctx context.Context) error {
	l.mu.Lock()
	closed, dlg := l.closed, l.dlg
	l.mu.Unlock()
	if closed {
		return nil
	}
	err := l.handle.Detach(ctx)
	if err != nil {
		l.s.log.Warn().Err(err).Msg("detach tunnel leg")
	}
	l.s.sendBye(dlg, nil)
	l.release()
	return err
}
