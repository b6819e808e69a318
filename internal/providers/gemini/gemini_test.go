package gemini

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func TestBuildProbeRequest(t *testing.T) {
	a := New("gemini", "https://generativelanguage.googleapis.com")

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	a.BuildProbeRequest(req, "AIza-test", "gemini-2.5-flash")

	if got := string(req.Header.Method()); got != fasthttp.MethodPost {
		t.Errorf("method = %s, want POST", got)
	}
	if got := string(req.URI().Path()); got != "/v1beta/models/gemini-2.5-flash:generateContent" {
		t.Errorf("path = %s", got)
	}
	if got := string(req.URI().QueryArgs().Peek("key")); got != "AIza-test" {
		t.Errorf("key query arg = %q", got)
	}
	if got := string(req.Body()); got != probeBody {
		t.Errorf("body = %s", got)
	}
}

func TestRewriteRequest(t *testing.T) {
	a := New("gemini", "https://generativelanguage.googleapis.com")

	in := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(in)
	in.Header.SetMethod(fasthttp.MethodPost)
	in.SetRequestURI("/v1beta/models/gemini-2.5-pro:generateContent?key=client-key&alt=sse")
	in.Header.Set("X-Goog-Api-Key", "client-header-key")
	in.Header.Set("Authorization", "Bearer client-token")
	in.SetBodyString(`{"contents":[]}`)

	up := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(up)
	a.RewriteRequest(up, in, "AIza-pool")

	if got := string(up.URI().Path()); got != "/v1beta/models/gemini-2.5-pro:generateContent" {
		t.Errorf("path = %s", got)
	}
	if got := string(up.URI().QueryArgs().Peek("key")); got != "AIza-pool" {
		t.Errorf("client key not replaced: %q", got)
	}
	if got := string(up.URI().QueryArgs().Peek("alt")); got != "sse" {
		t.Errorf("alt query arg dropped: %q", got)
	}
	if got := up.Header.Peek("X-Goog-Api-Key"); len(got) > 0 {
		t.Errorf("client header credential forwarded: %q", got)
	}
	if got := up.Header.Peek("Authorization"); len(got) > 0 {
		t.Errorf("client bearer forwarded: %q", got)
	}
	if got := string(up.Body()); got != `{"contents":[]}` {
		t.Errorf("body altered: %s", got)
	}
}

func TestModel(t *testing.T) {
	a := New("gemini", "https://generativelanguage.googleapis.com")

	tests := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{"/v1beta/models/gemini-2.5-pro:generateContent", "gemini-2.5-pro", false},
		{"/v1beta/models/gemini-2.5-flash:streamGenerateContent", "gemini-2.5-flash", false},
		{"/v1beta/models/gemini-2.0-flash-exp:countTokens", "gemini-2.0-flash-exp", false},
		{"/v1beta/chats/abc", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := a.Model(tt.path, nil)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Model(%q): expected error", tt.path)
			}
			continue
		}
		if err != nil {
			t.Errorf("Model(%q): %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Model(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestStreaming(t *testing.T) {
	if !Streaming("/v1beta/models/gemini-2.5-pro:streamGenerateContent") {
		t.Error("streamGenerateContent must be detected as streaming")
	}
	if Streaming("/v1beta/models/gemini-2.5-pro:generateContent") {
		t.Error("generateContent must not be detected as streaming")
	}
}
