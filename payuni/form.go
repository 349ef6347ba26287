package payuni

import (
	"net/url"
	"strings"
)

// formField is one key/value pair of a sealed plaintext. The gateway hashes
// the exact byte sequence it receives, so encoding preserves insertion order
// instead of sorting the way url.Values.Encode does.
type formField struct {
	key   string
	value string
}

func encodeForm(fields []formField) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(f.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.value))
	}
	return b.String()
}

// decodeForm parses a decrypted plaintext into a flat map, keeping the first
// value for any repeated key.
func decodeForm(plaintext string) (map[string]string, error) {
	values, err := url.ParseQuery(plaintext)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			out[key] = vals[0]
		} else {
			out[key] = ""
		}
	}
	return out, nil
}
