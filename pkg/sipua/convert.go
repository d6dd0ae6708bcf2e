package sipua

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/sfu_phone/pkg/sipmsg"
)

// заголовки, которые переносятся в поля sipmsg и не дублируются в Headers
var structural = map[string]bool{
	"via":            true,
	"from":           true,
	"to":             true,
	"call-id":        true,
	"cseq":           true,
	"contact":        true,
	"record-route":   true,
	"route":          true,
	"max-forwards":   true,
	"content-type":   true,
	"content-length": true,
}

// addrURI URI из значения name-addr или addr-spec. Параметры URI внутри
// угловых скобок сохраняются.
func addrURI(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.IndexByte(raw, '<') >= 0 {
		return sipmsg.ExtractURI(raw)
	}
	return raw
}

func parseURI(raw string) (sip.Uri, error) {
	var uri sip.Uri
	if err := sip.ParseUri(addrURI(raw), &uri); err != nil {
		return uri, errors.Wrapf(err, "parse uri %q", raw)
	}
	return uri, nil
}

func tagParam(tag string) sip.HeaderParams {
	params := sip.NewParams()
	if tag != "" {
		params.Add("tag", tag)
	}
	return params
}

// toSIPRequest собирает запрос sipgo из независимого представления.
// Via добавляет клиент sipgo при отправке.
func toSIPRequest(r *sipmsg.Request) (*sip.Request, error) {
	recipient, err := parseURI(r.URI)
	if err != nil {
		return nil, err
	}
	method := sip.RequestMethod(r.Method)
	req := sip.NewRequest(method, recipient)

	from, err := parseURI(r.From)
	if err != nil {
		return nil, err
	}
	to, err := parseURI(r.To)
	if err != nil {
		return nil, err
	}
	req.AppendHeader(&sip.FromHeader{Address: from, Params: tagParam(r.FromTag)})
	req.AppendHeader(&sip.ToHeader{Address: to, Params: tagParam(r.ToTag)})

	callID := sip.CallIDHeader(r.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.CSeq, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)

	if r.Contact != "" {
		contact, err := parseURI(r.Contact)
		if err != nil {
			return nil, err
		}
		req.AppendHeader(&sip.ContactHeader{Address: contact})
	}
	for _, route := range r.Routes {
		uri, err := parseURI(route)
		if err != nil {
			return nil, err
		}
		req.AppendHeader(&sip.RouteHeader{Address: uri})
	}
	for _, h := range r.Headers {
		req.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	if len(r.Body) > 0 {
		ct := sip.ContentTypeHeader(r.ContentType)
		req.AppendHeader(&ct)
	}
	req.SetBody(r.Body)
	return req, nil
}

func tagOf(params sip.HeaderParams) string {
	tag, _ := params.Get("tag")
	return tag
}

// extraHeaders заголовки сообщения без структурных
func extraHeaders(all []sip.Header) sipmsg.Headers {
	out := make(sipmsg.Headers, 0, len(all))
	for _, h := range all {
		if structural[strings.ToLower(h.Name())] {
			continue
		}
		out = append(out, sipmsg.Header{Name: h.Name(), Value: h.Value()})
	}
	return out
}

// fromSIPRequest переводит входящий запрос sipgo в sipmsg.Request
func fromSIPRequest(req *sip.Request) (*sipmsg.Request, error) {
	from, to := req.From(), req.To()
	callID, cseq := req.CallID(), req.CSeq()
	if from == nil || to == nil || callID == nil || cseq == nil {
		return nil, errors.New("missing mandatory headers")
	}
	out := &sipmsg.Request{
		Method:  string(req.Method),
		URI:     req.Recipient.String(),
		From:    from.Address.String(),
		FromTag: tagOf(from.Params),
		To:      to.Address.String(),
		ToTag:   tagOf(to.Params),
		CallID:  callID.Value(),
		CSeq:    cseq.SeqNo,
		Headers: extraHeaders(req.Headers()),
		Body:    req.Body(),
	}
	if c := req.Contact(); c != nil {
		out.Contact = c.Address.String()
	}
	for _, h := range req.GetHeaders("Record-Route") {
		out.Routes = append(out.Routes, h.Value())
	}
	if ct := req.ContentType(); ct != nil {
		out.ContentType = ct.Value()
	}
	return out, nil
}

// fromSIPResponse переводит ответ sipgo в sipmsg.Response
func fromSIPResponse(res *sip.Response) *sipmsg.Response {
	out := &sipmsg.Response{
		StatusCode: res.StatusCode,
		Reason:     res.Reason,
		Headers:    extraHeaders(res.Headers()),
		Body:       res.Body(),
	}
	if h := res.CallID(); h != nil {
		out.CallID = h.Value()
	}
	if h := res.From(); h != nil {
		out.FromTag = tagOf(h.Params)
	}
	if h := res.To(); h != nil {
		out.ToTag = tagOf(h.Params)
	}
	if h := res.CSeq(); h != nil {
		out.CSeq = h.SeqNo
		out.CSeqMethod = string(h.MethodName)
	}
	if h := res.Contact(); h != nil {
		out.Contact = h.Address.String()
	}
	for _, h := range res.GetHeaders("Record-Route") {
		out.RecordRoute = append(out.RecordRoute, h.Value())
	}
	if ct := res.ContentType(); ct != nil {
		out.ContentType = ct.Value()
	}
	return out
}

// toSIPResponse строит ответ sipgo на исходный запрос
func toSIPResponse(req *sip.Request, r *sipmsg.Response, contact string) (*sip.Response, error) {
	res := sip.NewResponseFromRequest(req, r.StatusCode, r.Reason, nil)
	if r.ToTag != "" {
		if to := res.To(); to != nil {
			if _, ok := to.Params.Get("tag"); !ok {
				to.Params.Add("tag", r.ToTag)
			}
		}
	}
	if r.Contact != "" {
		contact = r.Contact
	}
	if contact != "" && r.StatusCode < 300 && (req.Method == sip.INVITE || req.Method == sip.UPDATE) {
		uri, err := parseURI(contact)
		if err != nil {
			return nil, err
		}
		res.AppendHeader(&sip.ContactHeader{Address: uri})
	}
	for _, h := range r.Headers {
		res.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	if len(r.Body) > 0 {
		ct := sip.ContentTypeHeader(r.ContentType)
		res.AppendHeader(&ct)
		res.SetBody(r.Body)
	}
	return res, nil
}
