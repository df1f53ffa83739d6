package channel

import "testing"

func TestRegistryRoutesByPrefix(t *testing.T) {
	telegram := NewTestSource("telegram")
	api := NewTestSource("api")
	console := NewTestSource("console")

	r := NewRegistry()
	r.Register("telegram", telegram)
	r.Register("api", api)
	r.SetDefault(console)

	cases := []struct {
		userID string
		want   string
	}{
		{"telegram:42", "telegram"},
		{"api:ws-abc", "api"},
		{"alice", "console"},
		{"matrix:7", "console"}, // unknown prefix falls back
		{":oddball", "console"}, // empty prefix is not a prefix
	}
	for _, c := range cases {
		src := r.Resolve(c.userID)
		if src == nil || src.Name() != c.want {
			got := "<nil>"
			if src != nil {
				got = src.Name()
			}
			t.Errorf("Resolve(%q) = %s, want %s", c.userID, got, c.want)
		}
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "api" || names[1] != "telegram" {
		t.Errorf("Unexpected registered prefixes: %v", names)
	}
}

func TestRegistrySendMessage(t *testing.T) {
	telegram := NewTestSource("telegram")
	r := NewRegistry()
	r.Register("telegram", telegram)

	if !r.SendMessage("telegram:42", "coffee time") {
		t.Error("Expected delivery to succeed")
	}
	msgs := telegram.Messages()
	if len(msgs) != 1 || msgs[0].UserID != "telegram:42" || msgs[0].Message != "coffee time" {
		t.Errorf("Unexpected recording: %v", msgs)
	}

	// No default registered: bare IDs have nowhere to go.
	if r.SendMessage("alice", "hello") {
		t.Error("Expected delivery to fail without a default source")
	}

	telegram.Offline = true
	if r.SendMessage("telegram:42", "are you there") {
		t.Error("Expected delivery to fail with source offline")
	}
	if len(telegram.Messages()) != 1 {
		t.Errorf("Offline source should not record, got %v", telegram.Messages())
	}
}

func TestTestSourceFilesAndReset(t *testing.T) {
	src := NewTestSource("api")

	if !src.SendFile("api:ws-1", "/tmp/report.pdf", "weekly report") {
		t.Error("Expected file send to succeed")
	}
	files := src.Files()
	if len(files) != 1 || files[0].Path != "/tmp/report.pdf" || files[0].Caption != "weekly report" {
		t.Errorf("Unexpected file recording: %v", files)
	}

	src.Reset()
	if len(src.Files()) != 0 || len(src.Messages()) != 0 {
		t.Error("Reset should clear recordings")
	}
}
