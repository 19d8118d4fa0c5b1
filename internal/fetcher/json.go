package fetcher

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// DecodeJSONBytes decodes a single JSON object from a body that was already read.
func DecodeJSONBytes[T any](body []byte) (*T, error) {
	var obj T
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}
