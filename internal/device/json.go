package device

import "encoding/json"

func marshalParams(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
