// Package dialect translates the three client wire protocols to and from the
// canonical chat-superset form. Each dialect gets a codec; the Switch binds a
// provider protocol codec at build time and picks the client codec per
// request, so one pipeline can serve every entry endpoint.
package dialect

import (
	"context"
	"encoding/json"

	"github.com/allaspectsdev/switchyard/internal/fault"
	"github.com/allaspectsdev/switchyard/internal/pipeline"
)

// Codec translates one wire dialect to and from canonical form. Request
// translations carry client intent upstream; response translations render the
// provider's answer for the client.
type Codec interface {
	Dialect() pipeline.Dialect
	DecodeRequest(body map[string]any) (*pipeline.CanonicalRequest, error)
	EncodeRequest(cr *pipeline.CanonicalRequest) (map[string]any, error)
	DecodeResponse(body map[string]any) (*pipeline.CanonicalResponse, error)
	EncodeResponse(cr *pipeline.CanonicalResponse) (map[string]any, error)
}

// ForDialect returns the codec for one wire dialect.
func ForDialect(d pipeline.Dialect) (Codec, error) {
	switch d {
	case pipeline.DialectChat:
		return chatCodec{}, nil
	case pipeline.DialectResponses:
		return responsesCodec{}, nil
	case pipeline.DialectAnthropic:
		return anthropicCodec{}, nil
	default:
		return nil, fault.New(fault.DialectTranslationFailed, "unknown dialect %q", d)
	}
}

// Switch is the dialect stage of a pipeline. The provider protocol is fixed
// at build time; the client side dispatches on the dialect the front door
// stamped on the request, never on payload sniffing.
type Switch struct {
	protocol Codec
	clients  map[pipeline.Dialect]Codec
}

// NewSwitch builds a switch encoding toward the given provider protocol.
func NewSwitch(protocol pipeline.Dialect) (*Switch, error) {
	pc, err := ForDialect(protocol)
	if err != nil {
		return nil, err
	}
	s := &Switch{
		protocol: pc,
		clients:  make(map[pipeline.Dialect]Codec, 3),
	}
	for _, d := range []pipeline.Dialect{pipeline.DialectChat, pipeline.DialectResponses, pipeline.DialectAnthropic} {
		c, err := ForDialect(d)
		if err != nil {
			return nil, err
		}
		s.clients[d] = c
	}
	return s, nil
}

func (s *Switch) Kind() string { return "dialect" }

// Protocol reports the provider-side dialect the switch encodes toward.
func (s *Switch) Protocol() pipeline.Dialect { return s.protocol.Dialect() }

func (s *Switch) client(d pipeline.Dialect) (Codec, error) {
	c, ok := s.clients[d]
	if !ok {
		return nil, fault.New(fault.DialectTranslationFailed, "no codec for client dialect %q", d)
	}
	return c, nil
}

func (s *Switch) Inbound(ctx context.Context, req *pipeline.Request) (*pipeline.CanonicalRequest, error) {
	c, err := s.client(req.Dialect)
	if err != nil {
		return nil, err
	}
	cr, err := c.DecodeRequest(req.Body)
	if err != nil {
		return nil, err
	}
	cr.Stream = req.Stream
	return cr, nil
}

func (s *Switch) Encode(ctx context.Context, cr *pipeline.CanonicalRequest) (map[string]any, error) {
	return s.protocol.EncodeRequest(cr)
}

func (s *Switch) Decode(ctx context.Context, body map[string]any) (*pipeline.CanonicalResponse, error) {
	return s.protocol.DecodeResponse(body)
}

func (s *Switch) Outbound(ctx context.Context, req *pipeline.Request, resp *pipeline.CanonicalResponse) (map[string]any, error) {
	c, err := s.client(req.Dialect)
	if err != nil {
		return nil, err
	}
	return c.EncodeResponse(resp)
}

// remarshal round-trips a value through JSON, used to move between body maps
// and the typed wire structs.
func remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// toBody renders a wire struct as the map form the pipeline carries.
func toBody(v any) (map[string]any, error) {
	var m map[string]any
	if err := remarshal(v, &m); err != nil {
		return nil, err
	}
	return m, nil
}
