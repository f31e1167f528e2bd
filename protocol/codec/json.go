package codec

import "encoding/json"

type jsonCodec struct{}

// JSON returns the default wire codec. Content-Type: application/json
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) ContentType() string              { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)    { return json.Marshal(v) }
func (jsonCodec) Unmarshal(d []byte, v any) error  { return json.Unmarshal(d, v) }
