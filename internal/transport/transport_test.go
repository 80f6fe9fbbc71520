package transport

import "testing"

func TestNormalizeRecipient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		cc   string
		want string
	}{
		{name: "plain national", raw: "81234567", cc: "62", want: "6281234567@s.whatsapp.net"},
		{name: "leading zero", raw: "081234567", cc: "62", want: "6281234567@s.whatsapp.net"},
		{name: "already prefixed", raw: "6281234567", cc: "62", want: "6281234567@s.whatsapp.net"},
		{name: "plus and spaces stripped", raw: "+62 812-345-67", cc: "62", want: "6281234567@s.whatsapp.net"},
		{name: "jid passes through", raw: "6281234567@s.whatsapp.net", cc: "62", want: "6281234567@s.whatsapp.net"},
		{name: "default country code", raw: "0812", cc: "", want: "62812@s.whatsapp.net"},
		{name: "custom country code", raw: "0701234", cc: "46", want: "46701234@s.whatsapp.net"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeRecipient(tt.raw, tt.cc); got != tt.want {
				t.Fatalf("NormalizeRecipient(%q, %q) = %q, want %q", tt.raw, tt.cc, got, tt.want)
			}
		})
	}
}

func TestPayloadPreview(t *testing.T) {
	t.Parallel()
	if got := (Payload{Kind: KindText, Text: "hi"}).Preview(); got != "hi" {
		t.Fatalf("text preview = %q", got)
	}
	if got := (Payload{Kind: KindImage, Caption: "cap", MediaURL: "http://x/y.png"}).Preview(); got != "cap" {
		t.Fatalf("media preview = %q", got)
	}
	if got := (Payload{Kind: KindDocument, MediaURL: "http://x/y.pdf"}).Preview(); got != "http://x/y.pdf" {
		t.Fatalf("media fallback preview = %q", got)
	}
}
