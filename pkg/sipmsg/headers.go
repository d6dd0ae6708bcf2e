package sipmsg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedHeader заголовок не удалось разобрать
	ErrMalformedHeader = errors.New("malformed header")
	// ErrMalformedSipfrag тело message/sipfrag не содержит строку статуса
	ErrMalformedSipfrag = errors.New("malformed sipfrag")
)

var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	181: "Call Is Being Forwarded",
	182: "Queued",
	183: "Session Progress",
	200: "OK",
	202: "Accepted",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	408: "Request Timeout",
	410: "Gone",
	415: "Unsupported Media Type",
	416: "Unsupported URI Scheme",
	420: "Bad Extension",
	422: "Session Interval Too Small",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	484: "Address Incomplete",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	491: "Request Pending",
	500: "Server Internal Error",
	503: "Service Unavailable",
	600: "Busy Everywhere",
	603: "Decline",
	604: "Does Not Exist Anywhere",
	606: "Not Acceptable",
}

// ReasonPhrase возвращает стандартную фразу для кода ответа
func ReasonPhrase(code int) string {
	if p, ok := reasonPhrases[code]; ok {
		return p
	}
	return ""
}

// Refresher сторона, отвечающая за обновление сессии (RFC 4028)
type Refresher string

const (
	RefresherNone Refresher = ""
	RefresherUAC  Refresher = "uac"
	RefresherUAS  Refresher = "uas"
)

// SessionExpires разобранный заголовок Session-Expires
type SessionExpires struct {
	Delta     uint32
	Refresher Refresher
}

// String формирует значение заголовка
func (s SessionExpires) String() string {
	if s.Refresher == RefresherNone {
		return strconv.FormatUint(uint64(s.Delta), 10)
	}
	return fmt.Sprintf("%d;refresher=%s", s.Delta, s.Refresher)
}

// ParseSessionExpires разбирает значение "1800;refresher=uac"
func ParseSessionExpires(value string) (SessionExpires, error) {
	var se SessionExpires
	parts := strings.Split(value, ";")
	delta, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return se, errors.Wrapf(ErrMalformedHeader, "Session-Expires %q", value)
	}
	se.Delta = uint32(delta)
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "refresher") {
			switch Refresher(strings.ToLower(v)) {
			case RefresherUAC:
				se.Refresher = RefresherUAC
			case RefresherUAS:
				se.Refresher = RefresherUAS
			}
		}
	}
	return se, nil
}

// ParseDelta разбирает целочисленные заголовки вроде Expires и Min-SE
func ParseDelta(value string) (uint32, error) {
	v, _, _ := strings.Cut(value, ";")
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformedHeader, "delta %q", value)
	}
	return uint32(n), nil
}

// CancelReason формирует значение заголовка Reason для CANCEL/BYE
//
//	SIP ;cause=486 ;text="Busy Here"
func CancelReason(code int, phrase string) string {
	if phrase == "" {
		phrase = ReasonPhrase(code)
	}
	return fmt.Sprintf("SIP ;cause=%d ;text=%q", code, phrase)
}

// ExtractURI извлекает URI из name-addr ("Bob" <sip:bob@host>;tag=1)
func ExtractURI(value string) string {
	value = strings.TrimSpace(value)
	if start := strings.IndexByte(value, '<'); start >= 0 {
		if end := strings.IndexByte(value[start:], '>'); end > 0 {
			return value[start+1 : start+end]
		}
	}
	if i := strings.IndexByte(value, ';'); i >= 0 {
		return value[:i]
	}
	return value
}

// URIScheme возвращает схему URI в нижнем регистре
func URIScheme(uri string) string {
	scheme, _, ok := strings.Cut(uri, ":")
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(scheme))
}

// EventHeader разобранный заголовок Event ("refer;id=93809824")
type EventHeader struct {
	Package string
	ID      string
}

// ParseEvent разбирает заголовок Event
func ParseEvent(value string) EventHeader {
	parts := strings.Split(value, ";")
	ev := EventHeader{Package: strings.ToLower(strings.TrimSpace(parts[0]))}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		if strings.EqualFold(k, "id") {
			ev.ID = v
		}
	}
	return ev
}

// ParseSipfrag извлекает код статуса из тела message/sipfrag
// ("SIP/2.0 200 OK")
func ParseSipfrag(body []byte) (int, string, error) {
	line, _, _ := strings.Cut(string(body), "\n")
	line = strings.TrimSpace(line)
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "SIP/") {
		return 0, "", ErrMalformedSipfrag
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", errors.Wrap(ErrMalformedSipfrag, err.Error())
	}
	reason := ""
	if len(fields) == 3 {
		reason = fields[2]
	}
	return code, reason, nil
}

// Sipfrag формирует тело message/sipfrag для NOTIFY
func Sipfrag(code int, reason string) []byte {
	if reason == "" {
		reason = ReasonPhrase(code)
	}
	return []byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", code, reason))
}

// BaseContentType отбрасывает параметры Content-Type
func BaseContentType(ct string) string {
	base, _, _ := strings.Cut(ct, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
