package sender

import "testing"

func TestPolicy_Effective(t *testing.T) {
	t.Parallel()

	const fallback = "noreply@relay.example"

	tests := []struct {
		name     string
		allowed  []string
		mailFrom string
		want     string
	}{
		{
			name:     "empty allow-list uses default",
			allowed:  nil,
			mailFrom: "app@tenant.example",
			want:     fallback,
		},
		{
			name:     "empty mail from uses default",
			allowed:  []string{"tenant.example"},
			mailFrom: "",
			want:     fallback,
		},
		{
			name:     "allowed domain passes through",
			allowed:  []string{"tenant.example"},
			mailFrom: "alerts@tenant.example",
			want:     "alerts@tenant.example",
		},
		{
			name:     "domain match is case-insensitive",
			allowed:  []string{"tenant.example"},
			mailFrom: "Alerts@Tenant.Example",
			want:     "Alerts@Tenant.Example",
		},
		{
			name:     "unlisted domain uses default",
			allowed:  []string{"tenant.example"},
			mailFrom: "app@other.example",
			want:     fallback,
		},
		{
			name:     "second list entry matches",
			allowed:  []string{"first.example", "second.example"},
			mailFrom: "a@second.example",
			want:     "a@second.example",
		},
		{
			name:     "address without domain uses default",
			allowed:  []string{"tenant.example"},
			mailFrom: "nodomain",
			want:     fallback,
		},
		{
			name:     "subdomain is not a match",
			allowed:  []string{"tenant.example"},
			mailFrom: "a@sub.tenant.example",
			want:     fallback,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := NewPolicy(fallback, tt.allowed)
			if got := p.Effective(tt.mailFrom); got != tt.want {
				t.Errorf("Effective(%q): got %q, want %q", tt.mailFrom, got, tt.want)
			}
		})
	}
}

func TestAddressDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"user@example.com", "example.com"},
		{"User@EXAMPLE.COM", "example.com"},
		{"user@", ""},
		{"user", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := addressDomain(tt.input); got != tt.want {
			t.Errorf("addressDomain(%q): got %q, want %q", tt.input, got, tt.want)
		}
	}
}
