package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/event"
	"github.com/arzzra/sfu_phone/pkg/janus"
	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

const dtmfTones = "0123456789ABCD#*,"

// DTMFOptions параметры отправки тонов. Нулевые значения берутся из Config.
type DTMFOptions struct {
	Duration time.Duration
	Gap      time.Duration
	Headers  sipmsg.Headers
}

type dtmfTone struct {
	tone     byte
	duration time.Duration
	gap      time.Duration
	headers  sipmsg.Headers
}

// SendDTMF ставит тоны в очередь отправки через INFO
// (application/dtmf-relay). Запятая - пауза 2 секунды.
func (s *Session) SendDTMF(tones string, opts DTMFOptions) error {
	tones = strings.ToUpper(tones)
	if tones == "" {
		return errors.Wrap(ErrInvalidTone, "empty")
	}
	for i := 0; i < len(tones); i++ {
		if strings.IndexByte(dtmfTones, tones[i]) < 0 {
			return errors.Wrapf(ErrInvalidTone, "%q", tones[i])
		}
	}

	duration := opts.Duration
	if duration <= 0 {
		duration = s.cfg.DTMFDuration
	}
	if duration < MinDTMFDuration {
		duration = MinDTMFDuration
	}
	if duration > MaxDTMFDuration {
		duration = MaxDTMFDuration
	}
	gap := opts.Gap
	if gap <= 0 {
		gap = s.cfg.DTMFGap
	}
	if gap < MinDTMFGap {
		gap = MinDTMFGap
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.statusLocked(); !st.hasDialog() || s.dlg == nil {
		return errors.Wrapf(ErrInvalidState, "dtmf in %s", st)
	}
	for i := 0; i < len(tones); i++ {
		s.dtmf = append(s.dtmf, dtmfTone{tone: tones[i], duration: duration, gap: gap, headers: opts.Headers})
	}
	if !s.dtmfBusy {
		s.dtmfBusy = true
		go s.dtmfLoop()
	}
	return nil
}

func (s *Session) dtmfLoop() {
	for {
		s.mu.Lock()
		if len(s.dtmf) == 0 || s.statusLocked().Terminal() {
			s.dtmfBusy = false
			s.mu.Unlock()
			return
		}
		t := s.dtmf[0]
		s.dtmf = s.dtmf[1:]
		dlg := s.dlg
		s.mu.Unlock()

		wait := DTMFPause
		if t.tone != ',' {
			body := fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", t.tone, t.duration.Milliseconds())
			req, err := dlg.NewRequest(sipmsg.INFO, t.headers, sipmsg.ContentTypeDTMFRelay, []byte(body))
			if err != nil {
				s.log.Warn().Err(err).Msg("build dtmf INFO")
				continue
			}
			_, err = s.cfg.Transport.Request(s.ctx, req, sipmsg.ClientHandlers{
				OnError: func(res *sipmsg.Response) {
					s.log.Warn().Int("code", res.StatusCode).Str("tone", string(t.tone)).Msg("dtmf rejected")
				},
			})
			if err != nil {
				s.log.Warn().Err(err).Msg("send dtmf INFO")
			}
			s.emit(event.Event{Kind: event.NewDTMF, Originator: event.Local, Info: string(t.tone)})
			wait = t.duration + t.gap
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.done:
			timer.Stop()
		}
	}
}

// SendInfo отправляет INFO с произвольным телом и ждет финального ответа
func (s *Session) SendInfo(ctx context.Context, contentType string, body []byte, headers sipmsg.Headers) error {
	s.mu.Lock()
	st, dlg := s.statusLocked(), s.dlg
	s.mu.Unlock()
	if !st.hasDialog() || dlg == nil {
		return errors.Wrapf(ErrInvalidState, "info in %s", st)
	}
	req, err := dlg.NewRequest(sipmsg.INFO, headers, contentType, body)
	if err != nil {
		return err
	}
	_, err = s.roundTrip(ctx, req)
	return err
}

// receiveInfo обрабатывает входящий INFO: DTMF, сообщения SFU и прочее
func (s *Session) receiveInfo(req *sipmsg.Request, tx sipmsg.ServerTx) {
	s.mu.Lock()
	st, conf := s.statusLocked(), s.conf
	s.mu.Unlock()
	if !st.hasDialog() {
		respond(tx, sipmsg.NewResponse(req, 403, "Wrong Status"))
		return
	}

	switch sipmsg.BaseContentType(req.ContentType) {
	case sipmsg.ContentTypeDTMFRelay:
		tone, duration, err := parseDTMF(req.Body)
		if err != nil {
			respond(tx, sipmsg.NewResponse(req, 400, ""))
			return
		}
		respond(tx, sipmsg.NewResponse(req, 200, ""))
		s.log.Debug().Str("tone", tone).Dur("duration", duration).Msg("remote dtmf")
		s.emit(event.Event{Kind: event.NewDTMF, Originator: event.Remote, Info: tone})
	case janus.ContentType:
		respond(tx, sipmsg.NewResponse(req, 200, ""))
		if conf != nil {
			conf.dispatch(req.Body)
		}
	default:
		respond(tx, sipmsg.NewResponse(req, 200, ""))
		s.emit(event.Event{
			Kind: event.NewInfo, Originator: event.Remote,
			Info: string(req.Body), ContentType: req.ContentType, Payload: req,
		})
	}
}

// parseDTMF разбирает тело application/dtmf-relay
//
//	Signal=5
//	Duration=160
func parseDTMF(body []byte) (string, time.Duration, error) {
	var (
		tone     string
		duration = DefaultDTMFDuration
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "signal":
			tone = strings.ToUpper(v)
		case "duration":
			ms, err := strconv.Atoi(v)
			if err != nil {
				return "", 0, errors.Wrapf(ErrInvalidTone, "duration %q", v)
			}
			duration = time.Duration(ms) * time.Millisecond
		}
	}
	if len(tone) != 1 || tone == "," || strings.IndexByte(dtmfTones, tone[0]) < 0 {
		return "", 0, errors.Wrapf(ErrInvalidTone, "signal %q", tone)
	}
	return tone, duration, nil
}
