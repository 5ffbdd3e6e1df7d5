package transport

import (
	"github.com/deskbridge/bridge/internal/bridgeerr"
	"github.com/deskbridge/bridge/internal/jsonx"
)

// Control is a decoded control message: a channel-less frame's JSON
// payload, required to carry a non-empty "command" and may carry a
// "channel" naming the channel it concerns.
type Control struct {
	Command string
	Channel string
	Options map[string]any
	Raw     []byte
}

// parseControl validates and decodes a control frame's payload per
// spec §4.C: "command" non-empty string; optional "channel" non-empty,
// no newline.
func parseControl(payload []byte) (Control, error) {
	var options map[string]any
	if err := jsonx.Unmarshal(payload, &options); err != nil {
		return Control{}, bridgeerr.Protocolf(bridgeerr.ProtocolError, "invalid control JSON: %v", err)
	}

	cmdAny, ok := options["command"]
	if !ok {
		return Control{}, bridgeerr.Protocolf(bridgeerr.ProtocolError, "control message missing command")
	}
	cmd, ok := cmdAny.(string)
	if !ok || cmd == "" {
		return Control{}, bridgeerr.Protocolf(bridgeerr.ProtocolError, "control message command must be a non-empty string")
	}

	channel := ""
	if chAny, present := options["channel"]; present {
		ch, ok := chAny.(string)
		if !ok || ch == "" {
			return Control{}, bridgeerr.Protocolf(bridgeerr.ProtocolError, "control message channel must be a non-empty string")
		}
		for i := 0; i < len(ch); i++ {
			if ch[i] == '\n' {
				return Control{}, bridgeerr.Protocolf(bridgeerr.ProtocolError, "control message channel must not contain a newline")
			}
		}
		channel = ch
	}

	return Control{Command: cmd, Channel: channel, Options: options, Raw: payload}, nil
}

// encodeControl serializes a control command (plus extra fields) as a
// channel-less frame payload.
func encodeControl(command string, channel string, extra map[string]any) []byte {
	msg := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		msg[k] = v
	}
	msg["command"] = command
	if channel != "" {
		msg["channel"] = channel
	}
	out, _ := jsonx.Marshal(msg)
	return out
}
