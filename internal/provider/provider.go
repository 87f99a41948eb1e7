// Package provider resolves which realtime vendor a session talks to: its
// endpoints, models, voice, credentials and wire protocol.
package provider

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ent0n29/glasslive/internal/wire"
)

// ID identifies a provider template.
type ID string

const (
	AlibabaCloud ID = "alibaba_cloud"
	OpenAI       ID = "openai"
	Custom       ID = "custom"
)

// Region selects the DashScope deployment for AlibabaCloud.
type Region string

const (
	RegionBeijing   Region = "beijing"
	RegionSingapore Region = "singapore"
)

// Endpoints is the per-provider connection template.
type Endpoints struct {
	RESTBaseURL   string
	WSBaseURL     string
	VisionModel   string
	RealtimeModel string
	Voice         string
}

var templates = map[ID]Endpoints{
	AlibabaCloud: {
		RESTBaseURL:   "https://dashscope.aliyuncs.com/compatible-mode/v1",
		WSBaseURL:     "wss://dashscope.aliyuncs.com/api-ws/v1/realtime",
		VisionModel:   "qwen3-vl-plus",
		RealtimeModel: "qwen3-omni-flash-realtime",
		Voice:         "longxiaochun",
	},
	OpenAI: {
		RESTBaseURL:   "https://api.openai.com/v1",
		WSBaseURL:     "wss://api.openai.com/v1/realtime",
		VisionModel:   "gpt-4-turbo",
		RealtimeModel: "gpt-4o-realtime-preview-2025-06-03",
		Voice:         "alloy",
	},
}

var singaporeHosts = Endpoints{
	RESTBaseURL: "https://dashscope-intl.aliyuncs.com/compatible-mode/v1",
	WSBaseURL:   "wss://dashscope-intl.aliyuncs.com/api-ws/v1/realtime",
}

// CustomDefaults prefill unset fields of a custom provider.
var CustomDefaults = Endpoints{
	RESTBaseURL:   "https://api.openai.com/v1",
	WSBaseURL:     "wss://api.openai.com/v1/realtime",
	VisionModel:   "gpt-4-turbo",
	RealtimeModel: "gpt-4o-realtime-preview",
	Voice:         "alloy",
}

// Template returns the built-in endpoints for id.
func Template(id ID, region Region) (Endpoints, bool) {
	ep, ok := templates[id]
	if !ok {
		return Endpoints{}, false
	}
	if id == AlibabaCloud && region == RegionSingapore {
		ep.RESTBaseURL = singaporeHosts.RESTBaseURL
		ep.WSBaseURL = singaporeHosts.WSBaseURL
	}
	return ep, true
}

// Settings is the user-facing provider selection.
type Settings struct {
	Provider ID
	Region   Region
	APIKey   string
	// Custom overrides template fields; for the Custom provider unset fields
	// fall back to CustomDefaults.
	Custom Endpoints
	// Protocol forces the wire dialect. Empty means inferred.
	Protocol wire.Protocol
	Language string
}

// Resolved is a fully specified provider selection.
type Resolved struct {
	ID        ID
	Endpoints Endpoints
	APIKey    string
	Protocol  wire.Protocol
	Language  string
}

// ConfigurationError reports a provider selection that cannot be used.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider configuration: %s %s", e.Field, e.Reason)
}

// Resolve validates s and fills in template values.
func Resolve(s Settings) (Resolved, error) {
	id := ID(strings.ToLower(strings.TrimSpace(string(s.Provider))))
	if id == "" {
		id = AlibabaCloud
	}

	var ep Endpoints
	switch id {
	case AlibabaCloud, OpenAI:
		region := Region(strings.ToLower(strings.TrimSpace(string(s.Region))))
		switch region {
		case "", RegionBeijing, RegionSingapore:
		default:
			return Resolved{}, &ConfigurationError{Field: "region", Reason: fmt.Sprintf("must be one of beijing|singapore, got %q", s.Region)}
		}
		ep, _ = Template(id, region)
		ep = overlay(ep, s.Custom)
	case Custom:
		ep = overlay(CustomDefaults, s.Custom)
	default:
		return Resolved{}, &ConfigurationError{Field: "provider", Reason: fmt.Sprintf("must be one of alibaba_cloud|openai|custom, got %q", s.Provider)}
	}

	apiKey := strings.TrimSpace(s.APIKey)
	if apiKey == "" {
		return Resolved{}, &ConfigurationError{Field: "api_key", Reason: "must be set"}
	}
	if err := validateURL("rest_base_url", ep.RESTBaseURL, "http", "https"); err != nil {
		return Resolved{}, err
	}
	if err := validateURL("ws_base_url", ep.WSBaseURL, "ws", "wss"); err != nil {
		return Resolved{}, err
	}
	if strings.TrimSpace(ep.RealtimeModel) == "" {
		return Resolved{}, &ConfigurationError{Field: "realtime_model", Reason: "must be set"}
	}

	proto, err := protocolFor(id, ep, s.Protocol)
	if err != nil {
		return Resolved{}, err
	}

	return Resolved{
		ID:        id,
		Endpoints: ep,
		APIKey:    apiKey,
		Protocol:  proto,
		Language:  NormalizeLanguage(s.Language),
	}, nil
}

// SessionConfig builds the realtime negotiation payload for r with server VAD
// enabled.
func (r Resolved) SessionConfig() wire.SessionConfig {
	return wire.SessionConfig{
		Model:         r.Endpoints.RealtimeModel,
		Voice:         r.Endpoints.Voice,
		Instructions:  Instructions(r.Language, r.Protocol == wire.ProtocolAlibaba),
		TurnDetection: wire.ServerVAD(),
	}
}

func protocolFor(id ID, ep Endpoints, forced wire.Protocol) (wire.Protocol, error) {
	if forced != "" {
		p := wire.Protocol(strings.ToLower(strings.TrimSpace(string(forced))))
		if p != wire.ProtocolAlibaba && p != wire.ProtocolOpenAI {
			return "", &ConfigurationError{Field: "protocol", Reason: fmt.Sprintf("must be one of alibaba|openai, got %q", forced)}
		}
		return p, nil
	}
	if id == OpenAI {
		return wire.ProtocolOpenAI, nil
	}
	if id == Custom && strings.Contains(strings.ToLower(ep.WSBaseURL), "openai") {
		return wire.ProtocolOpenAI, nil
	}
	return wire.ProtocolAlibaba, nil
}

func overlay(base, o Endpoints) Endpoints {
	if v := strings.TrimSpace(o.RESTBaseURL); v != "" {
		base.RESTBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(o.WSBaseURL); v != "" {
		base.WSBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(o.VisionModel); v != "" {
		base.VisionModel = v
	}
	if v := strings.TrimSpace(o.RealtimeModel); v != "" {
		base.RealtimeModel = v
	}
	if v := strings.TrimSpace(o.Voice); v != "" {
		base.Voice = v
	}
	return base
}

func validateURL(field, raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return &ConfigurationError{Field: field, Reason: "must be set"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &ConfigurationError{Field: field, Reason: fmt.Sprintf("must be an absolute URL, got %q", raw)}
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			return nil
		}
	}
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf("must use %s, got %q", strings.Join(schemes, "|"), u.Scheme)}
}
