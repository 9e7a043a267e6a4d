package usecase

import (
	"errors"
	"testing"

	"voiceform/internal/template"
)

func TestEncodeStartKeepsBlockOrder(t *testing.T) {
	t.Parallel()

	payload, err := encodeStart(template.Parse("Zeta: b, a\nAlpha: c"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	want := `{"action":"start","blocks":{"Zeta":["b","a"],"Alpha":["c"]}}`
	if string(payload) != want {
		t.Fatalf("unexpected start frame:\n got %s\nwant %s", payload, want)
	}
	if got := string(encodeStop()); got != `{"action":"stop"}` {
		t.Fatalf("unexpected stop frame: %s", got)
	}
}

func TestDecodeInbound(t *testing.T) {
	t.Parallel()

	msg, err := decodeInbound([]byte(`{"action":"started","template_size":3}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Action != actionStarted || msg.TemplateSize == nil || *msg.TemplateSize != 3 {
		t.Fatalf("unexpected ack: %+v", msg)
	}

	msg, err = decodeInbound([]byte(`{"attributes":{"a":"x","n":42,"z":null,"o":{"k": 1}},"corrected_audio":"hi"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Attributes["a"] != "x" || msg.Attributes["n"] != "42" || msg.Attributes["z"] != "" || msg.Attributes["o"] != `{"k":1}` {
		t.Fatalf("unexpected attributes: %v", msg.Attributes)
	}
	if msg.CorrectedAudio != "hi" {
		t.Fatalf("unexpected transcript: %q", msg.CorrectedAudio)
	}

	msg, err = decodeInbound([]byte(`{"error":{"code":"overloaded"}}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !msg.HasError || msg.Error != `{"code":"overloaded"}` {
		t.Fatalf("unexpected error message: %+v", msg)
	}

	msg, err = decodeInbound([]byte(`{"error":null}`))
	if err != nil || msg.HasError {
		t.Fatalf("null error should be ignored: %+v %v", msg, err)
	}
}

func TestDecodeInboundRejectsNonObjects(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{"", "  ", "[]", `"started"`, "42"} {
		if _, err := decodeInbound([]byte(payload)); !errors.Is(err, errNotObject) {
			t.Fatalf("payload %q: expected errNotObject, got %v", payload, err)
		}
	}
	if _, err := decodeInbound([]byte(`{"attributes":`)); err == nil {
		t.Fatalf("expected truncated frame to fail")
	}
}
