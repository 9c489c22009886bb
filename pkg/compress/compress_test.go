package compress

import (
	"bytes"
	"strings"
	"testing"
)

func alertsPayload(n int) []byte {
	var b strings.Builder
	b.WriteString(`{"alerts":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"pluginId":"10202","alert":"Absence of Anti-CSRF Tokens","risk":"Medium","url":"https://shop.example.com/login"}`)
	}
	b.WriteString(`]}`)
	return []byte(b.String())
}

func TestCompressor_RoundTrip(t *testing.T) {
	data := alertsPayload(20)

	for _, algo := range []Algorithm{AlgorithmZSTD, AlgorithmGzip, AlgorithmNone} {
		t.Run(string(algo), func(t *testing.T) {
			c := NewCompressor(algo, LevelDefault)
			packed, err := c.Compress(data)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			got, err := c.Decompress(packed)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if !bytes.Equal(data, got) {
				t.Error("round trip changed the payload")
			}
		})
	}
}

func TestCompressor_Unsupported(t *testing.T) {
	c := NewCompressor("brotli", LevelDefault)
	if _, err := c.Compress([]byte("x")); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
	if _, err := Decompress("brotli", []byte("x")); err == nil {
		t.Error("expected error for unsupported algorithm")
	}
}

func TestCompressor_ConcurrentUse(t *testing.T) {
	c := NewCompressor(AlgorithmZSTD, LevelFastest)
	data := alertsPayload(50)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			packed, err := c.Compress(data)
			if err == nil {
				var got []byte
				got, err = c.Decompress(packed)
				if err == nil && !bytes.Equal(got, data) {
					err = errMismatch
				}
			}
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-done; err != nil {
			t.Errorf("concurrent round trip: %v", err)
		}
	}
}

type mismatch struct{}

func (mismatch) Error() string { return "payload mismatch" }

var errMismatch error = mismatch{}

func TestPolicy_Pack(t *testing.T) {
	p := DefaultPolicy()

	small := []byte(`{"alerts":[]}`)
	packed, algo, err := p.Pack(small)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if algo != AlgorithmNone || !bytes.Equal(packed, small) {
		t.Errorf("small payload: algo = %s, want none", algo)
	}

	large := alertsPayload(200)
	packed, algo, err = p.Pack(large)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if algo != AlgorithmZSTD {
		t.Fatalf("large payload: algo = %s, want zstd", algo)
	}
	if len(packed) >= len(large) {
		t.Errorf("compressed size %d not smaller than %d", len(packed), len(large))
	}

	got, err := Decompress(algo, packed)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if !bytes.Equal(got, large) {
		t.Error("decompressed payload differs")
	}
}

func TestPolicy_NoneAlgorithm(t *testing.T) {
	p := &Policy{Algorithm: AlgorithmNone}
	data := alertsPayload(200)
	packed, algo, err := p.Pack(data)
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if algo != AlgorithmNone || !bytes.Equal(packed, data) {
		t.Errorf("algo = %s, want payload stored as-is", algo)
	}
}

func TestDecompress_EmptyNameIsNone(t *testing.T) {
	data := []byte("plain")
	got, err := Decompress("", data)
	if err != nil {
		t.Fatalf("Decompress failed: %v", err)
	}
	if string(got) != "plain" {
		t.Errorf("got %q", got)
	}
}
