package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/plugin"
	"github.com/arzzra/sfu_phone/pkg/session"
)

const sessionKey = "session"

type callView struct {
	ID         string   `json:"id"`
	Direction  string   `json:"direction"`
	Status     string   `json:"status"`
	Conference bool     `json:"conference"`
	LocalHold  bool     `json:"local_hold"`
	RemoteHold bool     `json:"remote_hold"`
	AudioMuted bool     `json:"audio_muted"`
	VideoMuted bool     `json:"video_muted"`
	Members    []uint64 `json:"members,omitempty"`
	Plugins    []string `json:"plugins,omitempty"`
}

func viewOf(s *session.Session) callView {
	localHold, remoteHold := s.IsOnHold()
	audio, video := s.IsMuted()
	v := callView{
		ID:         s.ID(),
		Direction:  string(s.Direction()),
		Status:     string(s.Status()),
		Conference: s.Conference(),
		LocalHold:  localHold,
		RemoteHold: remoteHold,
		AudioMuted: audio,
		VideoMuted: video,
		Plugins:    s.Plugins(),
	}
	if v.Conference {
		v.Members = s.Members()
	}
	return v
}

// fail переводит ошибку сессии в HTTP ответ
func fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidTarget),
		errors.Is(err, session.ErrInvalidTone),
		errors.Is(err, session.ErrInvalidCode):
		code = http.StatusBadRequest
	case errors.Is(err, plugin.ErrUnknownPlugin):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState),
		errors.Is(err, session.ErrAlreadyHeld),
		errors.Is(err, session.ErrNotHeld),
		errors.Is(err, session.ErrNotReadyToReOffer):
		code = http.StatusConflict
	case errors.Is(err, session.ErrTerminated),
		errors.Is(err, session.ErrManagerClosed):
		code = http.StatusGone
	case errors.Is(err, session.ErrRequestTimeout):
		code = http.StatusGatewayTimeout
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// bindOptional разбирает необязательное JSON тело
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func (ctl *controller) loadSession(c *gin.Context) {
	s, ok := ctl.phone.Session(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	c.Set(sessionKey, s)
	c.Next()
}

func sessionOf(c *gin.Context) *session.Session {
	return c.MustGet(sessionKey).(*session.Session)
}

type createCallRequest struct {
	Target     string `json:"target" binding:"required"`
	Conference bool   `json:"conference"`
	Room       uint64 `json:"room"`
	Audio      *bool  `json:"audio"`
	Video      *bool  `json:"video"`
	Display    string `json:"display"`
}

func (ctl *controller) createCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	opts := ctl.defaults
	if req.Audio != nil {
		opts.Audio = *req.Audio
	}
	if req.Video != nil {
		opts.Video = *req.Video
	}
	opts.Conference = req.Conference
	opts.Room = req.Room
	opts.Display = req.Display

	s, err := ctl.phone.Call(c.Request.Context(), req.Target, opts)
	if err != nil {
		fail(c, err)
		return
	}
	ctl.log.Info().Str("session", s.ID()).Str("target", req.Target).Bool("conference", req.Conference).Msg("call started")
	c.JSON(http.StatusCreated, viewOf(s))
}

func (ctl *controller) listCalls(c *gin.Context) {
	sessions := ctl.phone.Sessions()
	out := make([]callView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewOf(s))
	}
	c.JSON(http.StatusOK, out)
}

func (ctl *controller) getCall(c *gin.Context) {
	c.JSON(http.StatusOK, viewOf(sessionOf(c)))
}

type terminateRequest struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (ctl *controller) terminate(c *gin.Context) {
	var req terminateRequest
	if !bindOptional(c, &req) {
		return
	}
	s := sessionOf(c)
	if err := s.Terminate(session.TerminateOptions{Code: req.Code, Reason: req.Reason}); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type mediaRequest struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

func (ctl *controller) answer(c *gin.Context) {
	req := mediaRequest{Audio: ctl.defaults.Audio, Video: ctl.defaults.Video}
	if !bindOptional(c, &req) {
		return
	}
	s := sessionOf(c)
	if err := s.Answer(c.Request.Context(), session.AnswerOptions{Audio: req.Audio, Video: req.Video}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

type renegotiateRequest struct {
	UseUpdate bool `json:"use_update"`
}

func (ctl *controller) hold(c *gin.Context) {
	var req renegotiateRequest
	if !bindOptional(c, &req) {
		return
	}
	s := sessionOf(c)
	if err := s.Hold(c.Request.Context(), session.RenegotiateOptions{UseUpdate: req.UseUpdate}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

func (ctl *controller) unhold(c *gin.Context) {
	var req renegotiateRequest
	if !bindOptional(c, &req) {
		return
	}
	s := sessionOf(c)
	if err := s.Unhold(c.Request.Context(), session.RenegotiateOptions{UseUpdate: req.UseUpdate}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

func (ctl *controller) mute(c *gin.Context) {
	var req mediaRequest
	if !bindOptional(c, &req) {
		return
	}
	s := sessionOf(c)
	if err := s.Mute(session.MuteOptions{Audio: req.Audio, Video: req.Video}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

func (ctl *controller) unmute(c *gin.Context) {
	var req mediaRequest
	if !bindOptional(c, &req) {
		return
	}
	s := sessionOf(c)
	if err := s.Unmute(session.MuteOptions{Audio: req.Audio, Video: req.Video}); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}

type dtmfRequest struct {
	Tones      string `json:"tones" binding:"required"`
	DurationMS int    `json:"duration_ms" binding:"gte=0"`
	GapMS      int    `json:"gap_ms" binding:"gte=0"`
}

func (ctl *controller) dtmf(c *gin.Context) {
	var req dtmfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	opts := session.DTMFOptions{
		Duration: time.Duration(req.DurationMS) * time.Millisecond,
		Gap:      time.Duration(req.GapMS) * time.Millisecond,
	}
	if err := sessionOf(c).SendDTMF(req.Tones, opts); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

type referRequest struct {
	Target string `json:"target" binding:"required"`
}

func (ctl *controller) refer(c *gin.Context) {
	var req referRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sub, err := sessionOf(c).Refer(req.Target, session.ReferOptions{})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"subscription": sub.ID()})
}

type pluginRequest struct {
	Enabled bool `json:"enabled"`
}

func (ctl *controller) togglePlugin(c *gin.Context) {
	var req pluginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s := sessionOf(c)
	if err := s.TogglePlugin(c.Request.Context(), c.Param("name"), req.Enabled); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(s))
}
