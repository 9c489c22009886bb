package fingerprint

import (
	"encoding/json"
	"testing"
)

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty string", ""},
		{"simple string", "hello"},
		{"complex string", "zap:10202:https://example.com/login:csrf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash := Hash(tt.input)

			if len(hash) != 64 {
				t.Errorf("Hash(%q) length = %d, want 64", tt.input, len(hash))
			}
			if hash != Hash(tt.input) {
				t.Errorf("Hash is not deterministic")
			}
			for _, c := range hash {
				if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
					t.Errorf("Hash contains non-hex character: %c", c)
				}
			}
		})
	}
}

func TestGenerate_Stable(t *testing.T) {
	input := Input{
		PluginID: "40012",
		URL:      "https://example.com/search?q=1",
		Param:    "q",
		Method:   "GET",
		Evidence: "<script>alert(1)</script>",
	}

	fp := Generate(input)
	if len(fp) != 64 {
		t.Fatalf("Fingerprint length = %d, want 64", len(fp))
	}
	if fp != Generate(input) {
		t.Error("Same input produced different fingerprints")
	}
}

func TestGenerate_IndependentOfKeyOrder(t *testing.T) {
	// The same alert decoded from two JSON documents with different key order.
	docs := []string{
		`{"pluginId":"10202","url":"https://example.com/form","param":"csrf","method":"POST","evidence":"<form>"}`,
		`{"evidence":"<form>","method":"POST","param":"csrf","url":"https://example.com/form","pluginId":"10202"}`,
	}

	var fps []string
	for _, doc := range docs {
		var in struct {
			PluginID string `json:"pluginId"`
			URL      string `json:"url"`
			Param    string `json:"param"`
			Method   string `json:"method"`
			Evidence string `json:"evidence"`
		}
		if err := json.Unmarshal([]byte(doc), &in); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		fps = append(fps, Generate(Input(in)))
	}

	if fps[0] != fps[1] {
		t.Errorf("fingerprints differ: %s != %s", fps[0], fps[1])
	}
}

func TestGenerate_Normalization(t *testing.T) {
	base := Input{PluginID: "10020", URL: "https://example.com/app/", Param: "X-Frame-Options", Method: "GET", Evidence: "abc"}

	same := []Input{
		{PluginID: " 10020 ", URL: "HTTPS://EXAMPLE.COM/app", Param: "x-frame-options", Method: "get", Evidence: "abc"},
		{PluginID: "10020", URL: "https://example.com/app#top", Param: "X-Frame-Options", Method: "GET", Evidence: " abc "},
	}
	for i, in := range same {
		if Generate(in) != Generate(base) {
			t.Errorf("case %d: expected same fingerprint as base", i)
		}
	}

	different := []Input{
		{PluginID: "10021", URL: base.URL, Param: base.Param, Method: base.Method, Evidence: base.Evidence},
		{PluginID: base.PluginID, URL: "https://example.com/other", Param: base.Param, Method: base.Method, Evidence: base.Evidence},
		{PluginID: base.PluginID, URL: base.URL, Param: "q", Method: base.Method, Evidence: base.Evidence},
		{PluginID: base.PluginID, URL: base.URL, Param: base.Param, Method: "POST", Evidence: base.Evidence},
		{PluginID: base.PluginID, URL: base.URL, Param: base.Param, Method: base.Method, Evidence: "ABC"},
	}
	for i, in := range different {
		if Generate(in) == Generate(base) {
			t.Errorf("case %d: expected different fingerprint", i)
		}
	}
}

func TestGenerate_FieldBoundaries(t *testing.T) {
	a := Generate(Input{PluginID: "1", URL: "2"})
	b := Generate(Input{PluginID: "12"})
	if a == b {
		t.Error("field boundaries must not collide")
	}

	// Colons are common in params and evidence and must not act as separators.
	c := Generate(Input{PluginID: "40012", Param: "a:b", Method: "get"})
	d := Generate(Input{PluginID: "40012", Param: "a", Method: "b:get"})
	if c == d {
		t.Error("colon inside a field must not collide with a field boundary")
	}
}

func TestChecksum(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Checksum([]byte("abc")); got != want {
		t.Errorf("Checksum() = %s, want %s", got, want)
	}
}
