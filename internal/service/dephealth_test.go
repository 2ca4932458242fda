package service

import "testing"

// TestNormalizePeerDepName проверяет нормализацию доменов партнёров для dephealth.
func TestNormalizePeerDepName(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"простой домен", "remote.test", "remote-test"},
		{"верхний регистр", "Remote.Test", "remote-test"},
		{"домен с портом", "peer.test:8040", "peer-test-8040"},
		{"повторные разделители", "a..b--c", "a-b-c"},
		{"начинается с цифры", "1st.example", "peer-1st-example"},
		{"пустая строка", "", "unknown-peer"},
		{"только спецсимволы", "::..", "unknown-peer"},
		{
			"длинное имя обрезается",
			"abcdefghijklmnopqrstuvwxyz.abcdefghijklmnopqrstuvwxyz.0123456789.example",
			"abcdefghijklmnopqrstuvwxyz-abcdefghijklmnopqrstuvwxyz-012345678",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalizePeerDepName(tt.input); got != tt.expected {
				t.Errorf("normalizePeerDepName(%q) = %q, ожидается %q", tt.input, got, tt.expected)
			}
		})
	}
}
