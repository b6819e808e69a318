package config

import "fmt"

// Scaffold returns a starter providers.yaml stanza for the given provider
// kind and instance name, used by `keygate config create <kind>:<name>`.
func Scaffold(kind, name string) (string, error) {
	switch kind {
	case "openai_like":
		return fmt.Sprintf(openAILikeTemplate, name, name), nil
	case "gemini":
		return fmt.Sprintf(geminiTemplate, name, name), nil
	}
	return "", fmt.Errorf("config: unknown provider kind %q (openai_like|gemini)", kind)
}

const openAILikeTemplate = `gateway:
  listen: ":8080"
  auth_token: "${GATEWAY_AUTH_TOKEN}"
  streaming_mode: auto
  debug_mode: disabled
  max_attempts: 3

worker:
  interval_sec: 60
  concurrency: 8
  verification_attempts: 3
  verification_delay_sec: 65
  health_policy:
    on_invalid_key_days: 10
    on_no_access_days: 10
    on_no_quota_hr: 4
    on_rate_limit_hr: 1
    on_server_error_min: 30
    on_overload_min: 60
    on_other_error_hr: 1

providers:
  %s:
    kind: openai_like
    base_url: "https://api.openai.com/v1"
    keys_path: "keys/%s/"
    models:
      - gpt-4o
      - gpt-4o-mini
    shared_key_status: false
    gateway_policy:
      error_parsing:
        enabled: true
        rules:
          - status_code: 400
            error_path: "error.code"
            match_pattern: "insufficient_quota"
            map_to: no_quota
            priority: 5
            description: "OpenAI reports quota exhaustion as HTTP 400"
`

const geminiTemplate = `gateway:
  listen: ":8080"
  auth_token: "${GATEWAY_AUTH_TOKEN}"
  streaming_mode: auto
  debug_mode: disabled
  max_attempts: 3

worker:
  interval_sec: 60
  concurrency: 8
  verification_attempts: 3
  verification_delay_sec: 65

providers:
  %s:
    kind: gemini
    base_url: "https://generativelanguage.googleapis.com"
    keys_path: "keys/%s/"
    models:
      - gemini-2.5-pro
      - gemini-2.5-flash
    shared_key_status: true
`
