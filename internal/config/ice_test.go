package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": ["stun:stun.example.com:3478"]},
	  {"urls": "turn:turn.example.com:3478?transport=udp", "username": "user", "credential": "pass"}
	]`

	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].URLs; len(got) != 1 || got[0] != "turn:turn.example.com:3478?transport=udp" {
		t.Fatalf("unexpected turn urls: %#v", got)
	}
	cred, ok := servers[1].Credential.(string)
	if !ok || cred != "pass" || servers[1].Username != "user" {
		t.Fatalf("unexpected turn auth: %q %#v", servers[1].Username, servers[1].Credential)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"not json":             `{`,
		"missing urls":         `[{"urls": []}]`,
		"bad scheme":           `[{"urls": ["http://example.com"]}]`,
		"turn without creds":   `[{"urls": ["turn:turn.example.com"]}]`,
		"turn without cred":    `[{"urls": ["turns:turn.example.com"], "username": "u"}]`,
		"scheme without value": `[{"urls": ["stun:"]}]`,
	}
	for name, raw := range cases {
		if _, err := ParseICEServersJSON(raw, false); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseICEServersJSON_TURNRESTAllowsMissingCredentials(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": ["turn:turn.example.com:3478"]}]`, true)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || servers[0].Credential != nil {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersFromConvenienceEnv(" stun:a:3478, ,stun:b:3478", "turn:t:3478", "u", "p", false)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if got := servers[0].URLs; len(got) != 2 || got[1] != "stun:b:3478" {
		t.Fatalf("stun urls=%#v", got)
	}
	if servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("turn auth=%q %#v", servers[1].Username, servers[1].Credential)
	}

	if _, err := ParseICEServersFromConvenienceEnv("", "turn:t:3478", "", "", false); err == nil {
		t.Fatalf("expected error for TURN without credentials")
	}
	if _, err := ParseICEServersFromConvenienceEnv("", "turn:t:3478", "", "", true); err != nil {
		t.Fatalf("TURN REST should not require static credentials: %v", err)
	}

	empty, err := ParseICEServersFromConvenienceEnv("", "", "", "", false)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", empty)
	}
}

func TestHasTURNURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		urls []string
		want bool
	}{
		{urls: []string{"stun:a"}, want: false},
		{urls: []string{"stun:a", "TURN:b"}, want: true},
		{urls: []string{" turns:b"}, want: true},
		{urls: nil, want: false},
	}
	for _, tc := range cases {
		if got := HasTURNURL(iceServer(tc.urls...)); got != tc.want {
			t.Fatalf("HasTURNURL(%v)=%v, want %v", tc.urls, got, tc.want)
		}
	}
}
