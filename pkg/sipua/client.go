package sipua

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// clientTx исходящая транзакция. req заменяется при повторе с
// аутентификацией, CANCEL строится по последнему отправленному запросу.
type clientTx struct {
	ua  *UA
	req chan *sip.Request
}

func (c *clientTx) current() *sip.Request {
	req := <-c.req
	c.req <- req
	return req
}

func (c *clientTx) replace(req *sip.Request) {
	<-c.req
	c.req <- req
}

// Request отправляет запрос в новой транзакции sipgo.
// Ответы разбираются в отдельной горутине и передаются в обработчики.
func (u *UA) Request(ctx context.Context, r *sipmsg.Request, h sipmsg.ClientHandlers) (sipmsg.ClientTx, error) {
	seq := u.outgoingCSeq(r.CallID, r.CSeq, false)
	req, err := u.buildRequest(r, seq, nil)
	if err != nil {
		return nil, err
	}
	tx, err := u.cli.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "send %s", r.Method)
	}
	ctl := &clientTx{ua: u, req: make(chan *sip.Request, 1)}
	ctl.req <- req
	if r.Method == sipmsg.INVITE {
		u.rememberInvite(r.CallID, r.CSeq, seq)
	}

	u.log.Debug().
		Str("method", r.Method).
		Str("call_id", r.CallID).
		Uint32("cseq", seq).
		Msg("request sent")

	go u.pump(ctx, r, tx, ctl, h, false)
	return ctl, nil
}

// buildRequest переводит запрос в sipgo с нужным CSeq и назначением
func (u *UA) buildRequest(r *sipmsg.Request, seq uint32, auth *sipmsg.Header) (*sip.Request, error) {
	out := *r
	out.CSeq = seq
	if out.Contact == "" && (r.Method == sipmsg.INVITE || r.Method == sipmsg.UPDATE ||
		r.Method == sipmsg.SUBSCRIBE || r.Method == sipmsg.REFER || r.Method == sipmsg.NOTIFY) {
		out.Contact = u.Contact()
	}
	req, err := toSIPRequest(&out)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		req.AppendHeader(sip.NewHeader(auth.Name, auth.Value))
	}
	if len(r.Routes) > 0 {
		if dst, ok := routeDestination(r.Routes[0]); ok {
			req.SetDestination(dst)
		}
	}
	return req, nil
}

// routeDestination адрес первого loose route для отправки запроса
func routeDestination(route string) (string, bool) {
	uri, err := parseURI(route)
	if err != nil || uri.Host == "" {
		return "", false
	}
	if _, ok := uri.UriParams.Get("lr"); !ok {
		return "", false
	}
	port := uri.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port)), true
}

// pump читает ответы транзакции до финального ответа или ее завершения
func (u *UA) pump(ctx context.Context, r *sipmsg.Request, tx sip.ClientTransaction, ctl *clientTx, h sipmsg.ClientHandlers, retried bool) {
	defer tx.Terminate()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				u.transactionDone(tx, h)
				return
			}
			msg := fromSIPResponse(res)
			switch {
			case res.StatusCode < 200:
				if h.OnProvisional != nil {
					h.OnProvisional(msg)
				}
			case res.StatusCode < 300:
				if r.Method == sipmsg.BYE {
					u.forget(r.CallID)
				}
				if h.OnSuccess != nil {
					h.OnSuccess(msg)
				}
				if r.Method == sipmsg.INVITE {
					u.watchRetransmissions(tx, h)
				}
				return
			case (res.StatusCode == 401 || res.StatusCode == 407) && !retried && u.cfg.Username != "":
				next, err := u.authenticate(ctx, r, ctl, res)
				if err != nil {
					u.log.Warn().Err(err).Str("call_id", r.CallID).Msg("digest auth failed")
					if h.OnError != nil {
						h.OnError(msg)
					}
					return
				}
				if h.OnAuthenticated != nil {
					h.OnAuthenticated()
				}
				go u.pump(ctx, r, next, ctl, h, true)
				return
			default:
				if r.Method == sipmsg.BYE || (r.Method == sipmsg.INVITE && r.ToTag == "") {
					u.forget(r.CallID)
				}
				if h.OnError != nil {
					h.OnError(msg)
				}
				return
			}
		case <-tx.Done():
			u.transactionDone(tx, h)
			return
		}
	}
}

// watchRetransmissions передает повторные 2xx на INVITE до завершения
// транзакции, чтобы сессия повторила ACK
func (u *UA) watchRetransmissions(tx sip.ClientTransaction, h sipmsg.ClientHandlers) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if res.StatusCode >= 200 && res.StatusCode < 300 && h.OnSuccess != nil {
				h.OnSuccess(fromSIPResponse(res))
			}
		case <-tx.Done():
			return
		}
	}
}

func (u *UA) transactionDone(tx sip.ClientTransaction, h sipmsg.ClientHandlers) {
	err := tx.Err()
	if errors.Is(err, sip.ErrTransactionTimeout) {
		if h.OnTimeout != nil {
			h.OnTimeout()
		}
		return
	}
	if err == nil {
		err = errors.New("transaction terminated without final response")
	}
	if h.OnTransportError != nil {
		h.OnTransportError(err)
	}
}

// authenticate повторяет запрос с digest учетными данными.
// Новый запрос получает следующий CSeq диалога.
func (u *UA) authenticate(ctx context.Context, r *sipmsg.Request, ctl *clientTx, res *sip.Response) (sip.ClientTransaction, error) {
	challengeName, credName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeName, credName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	hdr := res.GetHeader(challengeName)
	if hdr == nil {
		return nil, errors.Errorf("no %s in %d response", challengeName, res.StatusCode)
	}
	challenge, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, errors.Wrap(err, "parse challenge")
	}
	uri := addrURI(r.URI)
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   r.Method,
		URI:      uri,
		Username: u.cfg.Username,
		Password: u.cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "compute digest")
	}

	seq := u.outgoingCSeq(r.CallID, r.CSeq, true)
	req, err := u.buildRequest(r, seq, &sipmsg.Header{Name: credName, Value: cred.String()})
	if err != nil {
		return nil, err
	}
	tx, err := u.cli.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "resend %s", r.Method)
	}
	ctl.replace(req)
	if r.Method == sipmsg.INVITE {
		u.rememberInvite(r.CallID, r.CSeq, seq)
	}
	u.log.Debug().Str("call_id", r.CallID).Uint32("cseq", seq).Msg("request resent with credentials")
	return tx, nil
}

// outgoingCSeq CSeq исходящего запроса с учетом повторов после 401/407.
// bump сдвигает нумерацию звонка на единицу.
func (u *UA) outgoingCSeq(callID string, seq uint32, bump bool) uint32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	if bump {
		u.offsets[callID]++
	}
	return seq + u.offsets[callID]
}

func (u *UA) rememberInvite(callID string, orig, sent uint32) {
	u.mu.Lock()
	u.renumbered[renumberKey(callID, orig)] = sent
	u.mu.Unlock()
}

func renumberKey(callID string, seq uint32) string {
	return fmt.Sprintf("%s %d", callID, seq)
}

// forget удаляет нумерацию завершенного звонка
func (u *UA) forget(callID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.offsets, callID)
	for k := range u.renumbered {
		if strings.HasPrefix(k, callID+" ") {
			delete(u.renumbered, k)
		}
	}
}

// Ack отправляет ACK на 2xx вне транзакции
func (u *UA) Ack(ctx context.Context, r *sipmsg.Request) error {
	u.mu.RLock()
	seq, ok := u.renumbered[renumberKey(r.CallID, r.CSeq)]
	u.mu.RUnlock()
	if !ok {
		seq = r.CSeq
	}
	req, err := u.buildRequest(r, seq, nil)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := u.cli.WriteRequest(req, sipgo.ClientRequestAddVia); err != nil {
		return errors.Wrap(err, "send ACK")
	}
	return nil
}

// Cancel отправляет CANCEL для INVITE транзакции
func (c *clientTx) Cancel(ctx context.Context, headers sipmsg.Headers) error {
	req := c.current()
	if req.Method != sip.INVITE {
		return errors.New("only INVITE can be canceled")
	}

	cancelReq := sip.NewRequest(sip.CANCEL, req.Recipient)
	cancelReq.SipVersion = req.SipVersion
	if via := req.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", req, cancelReq)
	maxForwards := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwards)
	if h := req.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancelReq.AppendHeader(cseq)
	}
	for _, h := range headers {
		cancelReq.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	cancelReq.SetDestination(req.Destination())

	tx, err := c.ua.cli.TransactionRequest(ctx, cancelReq)
	if err != nil {
		return errors.Wrap(err, "send CANCEL")
	}
	go func() {
		defer tx.Terminate()
		select {
		case <-tx.Responses():
		case <-tx.Done():
		}
	}()
	return nil
}
