package zap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexString decodes a JSON string, number or null into a string. The ZAP
// API is inconsistent about quoting identifiers and percentages.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flex string: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the trimmed value.
func (f FlexString) String() string {
	return strings.TrimSpace(string(f))
}

// Int parses the value as an integer.
func (f FlexString) Int() (int, error) {
	return strconv.Atoi(f.String())
}

// Alert is one alert as returned by /JSON/core/view/alerts/. Every field is
// optional on the wire; missing fields decode to empty strings.
type Alert struct {
	ID          FlexString `json:"id,omitempty"`
	PluginID    FlexString `json:"pluginId,omitempty"`
	AlertRef    FlexString `json:"alertRef,omitempty"`
	Alert       string     `json:"alert,omitempty"`
	Name        string     `json:"name,omitempty"`
	Risk        string     `json:"risk,omitempty"`
	RiskCode    FlexString `json:"riskcode,omitempty"`
	Confidence  string     `json:"confidence,omitempty"`
	URL         string     `json:"url,omitempty"`
	Host        string     `json:"host,omitempty"`
	Param       string     `json:"param,omitempty"`
	Method      string     `json:"method,omitempty"`
	Evidence    string     `json:"evidence,omitempty"`
	Attack      string     `json:"attack,omitempty"`
	Other       string     `json:"other,omitempty"`
	Description string     `json:"description,omitempty"`
	Solution    string     `json:"solution,omitempty"`
	Reference   string     `json:"reference,omitempty"`
	CWEID       FlexString `json:"cweid,omitempty"`
	WASCID      FlexString `json:"wascid,omitempty"`
	MessageID   FlexString `json:"messageId,omitempty"`

	// Raw is the alert exactly as received.
	Raw json.RawMessage `json:"-"`
}

// Title returns the alert title, falling back to the name field.
func (a *Alert) Title() string {
	if t := strings.TrimSpace(a.Alert); t != "" {
		return t
	}
	return strings.TrimSpace(a.Name)
}

// DecodeAlerts decodes a JSON array of alerts, keeping each raw element.
func DecodeAlerts(data []byte) ([]Alert, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode alerts: %w", err)
	}
	alerts := make([]Alert, 0, len(raws))
	for i, raw := range raws {
		var a Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("decode alert %d: %w", i, err)
		}
		a.Raw = raw
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// CanonicalJSON encodes alerts as a JSON array with object keys sorted, so
// that equal payloads produce equal bytes regardless of the key order the
// scanner used.
func CanonicalJSON(alerts []Alert) ([]byte, error) {
	items := make([]any, 0, len(alerts))
	for i := range alerts {
		raw := alerts[i].Raw
		if len(raw) == 0 {
			b, err := json.Marshal(&alerts[i])
			if err != nil {
				return nil, err
			}
			raw = b
		}
		var v any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("canonicalize alert %d: %w", i, err)
		}
		items = append(items, v)
	}
	return json.Marshal(items)
}

// ParseAlertFile decodes an exported alert file. The file may hold a bare
// array of alerts or an object with an "alerts" array.
func ParseAlertFile(data []byte) ([]Alert, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("alert file is empty")
	}
	switch trimmed[0] {
	case '[':
		return DecodeAlerts(trimmed)
	case '{':
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("decode alert file: %w", err)
		}
		raw, ok := doc["alerts"]
		if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.TrimSpace(raw)[0] != '[' {
			return nil, fmt.Errorf(`alert file must be a list of alerts or an object with an "alerts" list`)
		}
		return DecodeAlerts(raw)
	default:
		return nil, fmt.Errorf(`alert file must be a list of alerts or an object with an "alerts" list`)
	}
}
