package analytics

import (
	"bytes"
	"encoding/json"
	"strings"
)

// rawOutput is the undecoded images/tables bag as sent by the API.
type rawOutput struct {
	Images map[string]*string         `json:"images"`
	Tables map[string]json.RawMessage `json:"tables"`
}

func (o *rawOutput) decode() *Result {
	res := &Result{Images: make(map[string]string, len(o.Images))}
	for k, v := range o.Images {
		if v == nil {
			continue
		}
		if img := NormalizeImage(*v); img != "" {
			res.Images[k] = img
		}
	}
	if o.Tables != nil {
		res.Tables = make(map[string][]Row, len(o.Tables))
		for k, raw := range o.Tables {
			res.Tables[k] = DecodeTable(raw)
		}
	}
	return res
}

// DecodeTable accepts a table as an array of records or as a JSON-encoded
// string holding that array. Anything that does not decode yields nil.
func DecodeTable(raw json.RawMessage) []Row {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil
		}
		return DecodeTable(json.RawMessage(s))
	case '[':
		var rows []Row
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil
		}
		if rows == nil {
			rows = []Row{}
		}
		return rows
	}
	return nil
}

// NormalizeImage turns an image value into something a browser can load.
// URLs and data URIs pass through; bare base64 is wrapped as PNG.
func NormalizeImage(v string) string {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return ""
	case strings.HasPrefix(v, "http://"), strings.HasPrefix(v, "https://"):
		return v
	case strings.HasPrefix(v, "data:"):
		return v
	}
	return "data:image/png;base64," + v
}
