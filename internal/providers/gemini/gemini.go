// Package gemini implements the adapter for Google's Generative Language API
// and compatible endpoints. Unlike the OpenAI family, the model name lives in
// the URL path and the credential travels as a query parameter.
package gemini

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/providers"
)

const probeBody = `{"contents":[{"parts":[{"text":"ping"}]}]}`

// modelFromPath matches paths like /v1beta/models/gemini-2.5-pro:generateContent.
var modelFromPath = regexp.MustCompile(`/models/([^:/?]+)`)

// Adapter is the Gemini provider shape.
type Adapter struct {
	name    string
	baseURL string
}

// New creates an Adapter. baseURL is the API root without the version
// segment, e.g. "https://generativelanguage.googleapis.com".
func New(name, baseURL string) *Adapter {
	return &Adapter{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (a *Adapter) Name() string         { return a.name }
func (a *Adapter) Kind() providers.Kind { return providers.KindGemini }

// BuildProbeRequest fills req with a one-token generateContent call.
func (a *Adapter) BuildProbeRequest(req *fasthttp.Request, key, model string) {
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(a.baseURL + "/v1beta/models/" + model + ":generateContent")
	req.URI().QueryArgs().Set("key", key)
	req.Header.SetContentType("application/json")
	req.SetBodyString(probeBody)
}

// RewriteRequest maps the inbound Gemini-surface request onto the upstream
// API. The path is forwarded as-is; any client-supplied credential (key query
// parameter, x-goog-api-key or Authorization header) is dropped and replaced
// with ours.
func (a *Adapter) RewriteRequest(up *fasthttp.Request, in *fasthttp.Request, key string) {
	in.Header.CopyTo(&up.Header)
	providers.StripHopByHop(&up.Header)
	up.Header.Del("Authorization")
	up.Header.Del("X-Goog-Api-Key")
	up.Header.Del("Host")

	up.Header.SetMethodBytes(in.Header.Method())
	up.SetRequestURI(a.baseURL + string(in.URI().Path()))

	if qs := in.URI().QueryString(); len(qs) > 0 {
		up.URI().SetQueryStringBytes(qs)
	}
	up.URI().QueryArgs().Set("key", key)

	up.SetBody(in.Body())
}

// Model extracts the model name from the URL path. The body is ignored.
func (a *Adapter) Model(path string, body []byte) (string, error) {
	_ = body
	m := modelFromPath.FindStringSubmatch(path)
	if m == nil {
		return "", fmt.Errorf("gemini: no model in path %q", path)
	}
	return m[1], nil
}

// Streaming reports whether the inbound path requests SSE streaming.
func Streaming(path string) bool {
	return strings.Contains(path, ":streamGenerateContent")
}
