package config

import (
	"fmt"
	"strings"
)

// Templates maps warning/error keys to user-facing message templates.
// Placeholders use {name} syntax and are substituted by Render.
type Templates map[string]string

// Template keys used by the walker, orchestrator and renderer.
const (
	MsgMaxTextSize     = "msg_max_text_size"
	MsgMaxImageSize    = "msg_max_image_size"
	MsgErrorImage      = "msg_error_image"
	MsgErrorAttachment = "msg_error_attachment"
	MsgFetchFailed     = "msg_fetch_failed"
	MsgMaxMessages     = "msg_max_messages"
	MsgHistoryLoop     = "msg_history_loop"
	MsgInvalidModel    = "msg_invalid_model"
	MsgProviderMissing = "msg_provider_missing"
	MsgToolDisabled    = "msg_tool_disabled"
	MsgRateLimit       = "ratelimit_error"
	MsgGeneralError    = "general_error"
	MsgSendFailedPart  = "send_failed_part"
	MsgSendFailedFinal = "send_failed_final"
)

var defaultTemplates = Templates{
	MsgMaxTextSize:     "⚠️ Message text was truncated (>{max_text} characters).",
	MsgMaxImageSize:    "⚠️ Only using the first {max_images} image(s).",
	MsgErrorImage:      "⚠️ Images are not supported by this model or configuration.",
	MsgErrorAttachment: "⚠️ Skipped an unsupported attachment, or failed to process a text/image attachment.",
	MsgFetchFailed:     "⚠️ Failed to fetch an earlier message in the conversation. The chain may be incomplete.",
	MsgMaxMessages:     "⚠️ Only using the last {max_messages} message(s).",
	MsgHistoryLoop:     "⚠️ Detected a loop in the conversation history. Stopping there.",
	MsgInvalidModel:    "Invalid model configuration. Please check the bot settings.",
	MsgProviderMissing: "Provider '{provider}' is not configured.",
	MsgToolDisabled:    "[{tool}] is unavailable.",
	MsgRateLimit:       "⚠️ Too many requests right now, please try again later!",
	MsgGeneralError:    "⚠️ An unexpected error occurred while generating the response. Please try again later!",
	MsgSendFailedPart:  "⚠️ Failed to send part of the message.",
	MsgSendFailedFinal: "⚠️ Failed to send the response.",
}

// mergeTemplates overlays user-provided templates on the defaults.
func mergeTemplates(overrides Templates) Templates {
	merged := make(Templates, len(defaultTemplates))
	for k, v := range defaultTemplates {
		merged[k] = v
	}
	for k, v := range overrides {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	return merged
}

// Render formats the template for key, substituting {name} placeholders.
// Unknown keys render as the key itself so a misconfiguration stays visible
// instead of producing an empty reply.
func (t Templates) Render(key string, vars map[string]any) string {
	tmpl, ok := t[key]
	if !ok {
		tmpl, ok = defaultTemplates[key]
		if !ok {
			return key
		}
	}
	out := tmpl
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", fmt.Sprint(value))
	}
	return out
}
