package listener

import (
	"io"
	"net/http"
	"strings"

	"message-router/internal/message"
)

// Wire conventions shared with the http transport.
const (
	HeaderPrefix     = "X-Msg-"
	HeaderVersion    = "X-Message-Version"
	HeaderSOAPAction = "SOAPAction"
	HeaderRequestID  = "X-Request-ID"
)

// readMessage builds a message from an inbound HTTP request. The body is
// buffered since sends outlive the request.
func readMessage(r *http.Request) (*message.Message, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, message.MaxBodySize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > message.MaxBodySize {
		return nil, errBodyTooLarge
	}

	msg := message.New(requestVersion(r), data)
	for name, values := range r.Header {
		if !strings.HasPrefix(name, HeaderPrefix) {
			continue
		}
		for _, v := range values {
			msg.Add(strings.TrimPrefix(name, HeaderPrefix), v)
		}
	}
	if action := strings.Trim(r.Header.Get(HeaderSOAPAction), `"`); action != "" && !msg.Has(message.HeaderAction) {
		msg.Set(message.HeaderAction, action)
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		msg.Set("Content-Type", ct)
	}
	if endpoint := r.URL.Query().Get("endpoint"); endpoint != "" {
		msg.SetProperty(message.PropertyEndpoint, endpoint)
	}
	return msg, nil
}

// requestVersion takes the explicit version header, then falls back on the
// SOAP content types.
func requestVersion(r *http.Request) message.Version {
	switch v := message.Version(r.Header.Get(HeaderVersion)); v {
	case message.VersionNone, message.VersionSOAP11WSA10, message.VersionSOAP12WSA10:
		return v
	}
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(ct, "application/soap+xml"):
		return message.VersionSOAP12WSA10
	case strings.HasPrefix(ct, "text/xml") && r.Header.Get(HeaderSOAPAction) != "":
		return message.VersionSOAP11WSA10
	}
	return message.VersionNone
}

// writeMessage writes a reply as the HTTP response.
func writeMessage(w http.ResponseWriter, status int, msg *message.Message) error {
	body, err := msg.Bytes()
	if err != nil {
		return err
	}
	h := w.Header()
	h.Set(HeaderVersion, string(msg.Version))
	for _, hdr := range msg.Headers() {
		if strings.EqualFold(hdr.Name, "Content-Type") {
			h.Set("Content-Type", hdr.Value)
			continue
		}
		h.Add(HeaderPrefix+hdr.Name, hdr.Value)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/octet-stream")
	}
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
