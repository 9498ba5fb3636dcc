package payment

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name  string
		phone string
		want  string
	}{
		{name: "local format", phone: "0712345678", want: "254712345678"},
		{name: "international format", phone: "+254712345678", want: "254712345678"},
		{name: "bare format", phone: "712345678", want: "254712345678"},
		{name: "already normalized", phone: "254712345678", want: "254712345678"},
		{name: "whitespace", phone: " 0712 345 678 ", want: "254712345678"},
		{name: "landline prefix", phone: "0112345678", want: "254112345678"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePhone(tt.phone); got != tt.want {
				t.Errorf("NormalizePhone() = %v, want %v", got, tt.want)
			}
		})
	}
}
