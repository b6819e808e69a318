// Package openailike implements the adapter for any service speaking the
// OpenAI chat completions API (OpenAI, xAI, Groq, DeepSeek, Together AI,
// OpenRouter, and most self-hosted inference servers).
package openailike

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/providers"
)

// probeBody exercises both authentication and model access at minimal cost:
// one prompt token in, at most one completion token out.
const probeBody = `{"model":%q,"messages":[{"role":"user","content":"ping"}],"max_tokens":1,"stream":false}`

// Adapter is the OpenAI-compatible provider shape.
type Adapter struct {
	name    string
	baseURL string
}

// New creates an Adapter. baseURL is the API root including the version
// segment, e.g. "https://api.openai.com/v1".
func New(name, baseURL string) *Adapter {
	return &Adapter{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (a *Adapter) Name() string         { return a.name }
func (a *Adapter) Kind() providers.Kind { return providers.KindOpenAILike }

// BuildProbeRequest fills req with a minimal chat completion.
func (a *Adapter) BuildProbeRequest(req *fasthttp.Request, key, model string) {
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(a.baseURL + "/chat/completions")
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+key)
	req.SetBodyString(fmt.Sprintf(probeBody, model))
}

// RewriteRequest maps the inbound gateway request onto the upstream API.
// The inbound path is /v1/{provider}/...; everything after the provider
// segment is appended to the base URL. The client body passes through
// verbatim; the client credential is replaced with ours.
func (a *Adapter) RewriteRequest(up *fasthttp.Request, in *fasthttp.Request, key string) {
	in.Header.CopyTo(&up.Header)
	providers.StripHopByHop(&up.Header)
	up.Header.Del("Authorization")
	up.Header.Del("Host")

	up.Header.SetMethodBytes(in.Header.Method())
	up.SetRequestURI(a.baseURL + a.upstreamPath(string(in.URI().Path())))
	if qs := in.URI().QueryString(); len(qs) > 0 {
		up.URI().SetQueryStringBytes(qs)
	}

	up.Header.Set("Authorization", "Bearer "+key)
	up.SetBody(in.Body())
}

// Model reads the requested model from the JSON body.
func (a *Adapter) Model(path string, body []byte) (string, error) {
	_ = path
	m := gjson.GetBytes(body, "model")
	if !m.Exists() || m.String() == "" {
		return "", fmt.Errorf("openailike: request body has no model field")
	}
	return m.String(), nil
}

// upstreamPath drops the gateway routing prefix /v1/{provider}, leaving the
// provider-relative path (e.g. /chat/completions).
func (a *Adapter) upstreamPath(inPath string) string {
	prefix := "/v1/" + a.name
	if rest, ok := strings.CutPrefix(inPath, prefix); ok && rest != "" {
		return rest
	}
	return "/chat/completions"
}
