// Package sdputil работает с атрибутами направления медиа в SDP.
//
// Используется при удержании вызова: локальное предложение переписывается
// в зависимости от комбинации локального и удаленного удержания, а
// удаленное предложение проверяется на признак удержания.
package sdputil

import (
	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// Direction атрибут направления медиа потока
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

// ErrInvalidSDP описание сессии не удалось разобрать
var ErrInvalidSDP = errors.New("invalid SDP")

func isDirection(key string) bool {
	switch Direction(key) {
	case SendRecv, SendOnly, RecvOnly, Inactive:
		return true
	}
	return false
}

// Parse разбирает SDP
func Parse(raw string) (*sdp.SessionDescription, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, errors.Wrap(ErrInvalidSDP, err.Error())
	}
	return sd, nil
}

// Validate проверяет, что SDP разбирается и содержит хотя бы одно медиа
func Validate(raw string) error {
	sd, err := Parse(raw)
	if err != nil {
		return err
	}
	if len(sd.MediaDescriptions) == 0 {
		return errors.Wrap(ErrInvalidSDP, "no media descriptions")
	}
	return nil
}

// sessionDirection направление уровня сессии, если задано
func sessionDirection(sd *sdp.SessionDescription) Direction {
	for _, a := range sd.Attributes {
		if isDirection(a.Key) {
			return Direction(a.Key)
		}
	}
	return SendRecv
}

// MediaDirection направление медиа описания с учетом уровня сессии
func MediaDirection(sd *sdp.SessionDescription, md *sdp.MediaDescription) Direction {
	for _, a := range md.Attributes {
		if isDirection(a.Key) {
			return Direction(a.Key)
		}
	}
	return sessionDirection(sd)
}

// Directions возвращает направление каждого медиа описания по порядку
func Directions(raw string) ([]Direction, error) {
	sd, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	out := make([]Direction, 0, len(sd.MediaDescriptions))
	for _, md := range sd.MediaDescriptions {
		out = append(out, MediaDirection(sd, md))
	}
	return out, nil
}

// mangle вычисляет новое направление для комбинации удержаний
func mangle(d Direction, localHold, remoteHold bool) Direction {
	switch {
	case localHold && remoteHold:
		return Inactive
	case localHold:
		switch d {
		case SendRecv:
			return SendOnly
		case RecvOnly:
			return Inactive
		}
	case remoteHold:
		switch d {
		case SendRecv:
			return RecvOnly
		case SendOnly:
			return Inactive
		}
	}
	return d
}

func setDirection(attrs []sdp.Attribute, d Direction) []sdp.Attribute {
	out := make([]sdp.Attribute, 0, len(attrs)+1)
	for _, a := range attrs {
		if isDirection(a.Key) {
			continue
		}
		out = append(out, a)
	}
	return append(out, sdp.Attribute{Key: string(d)})
}

// MangleDirections переписывает атрибуты направления каждого медиа.
//
//	оба удержания:      все -> inactive
//	локальное:          sendrecv -> sendonly, recvonly -> inactive
//	удаленное:          sendrecv -> recvonly, sendonly -> inactive
//
// Без удержаний SDP возвращается как есть.
func MangleDirections(raw string, localHold, remoteHold bool) (string, error) {
	if !localHold && !remoteHold {
		return raw, nil
	}
	sd, err := Parse(raw)
	if err != nil {
		return "", err
	}
	for _, md := range sd.MediaDescriptions {
		d := mangle(MediaDirection(sd, md), localHold, remoteHold)
		md.Attributes = setDirection(md.Attributes, d)
	}
	// направление уровня сессии перекрыто атрибутами медиа
	sess := sd.Attributes[:0]
	for _, a := range sd.Attributes {
		if !isDirection(a.Key) {
			sess = append(sess, a)
		}
	}
	sd.Attributes = sess

	out, err := sd.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "marshal SDP")
	}
	return string(out), nil
}

// IsRemoteHold сообщает, что удаленная сторона поставила вызов на
// удержание: хотя бы одно медиа sendonly или inactive
func IsRemoteHold(raw string) (bool, error) {
	dirs, err := Directions(raw)
	if err != nil {
		return false, err
	}
	for _, d := range dirs {
		if d == SendOnly || d == Inactive {
			return true, nil
		}
	}
	return false, nil
}
