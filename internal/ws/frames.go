package ws

import "encoding/json"

// outboundFrame is the cable protocol command envelope. Identifier and Data
// are JSON documents encoded as strings, per the protocol.
type outboundFrame struct {
	Command    string `json:"command"`
	Identifier string `json:"identifier"`
	Data       string `json:"data,omitempty"`
}

// identifierFor builds the JSON identifier string for a channel.
func identifierFor(channel string) string {
	b, _ := json.Marshal(struct {
		Channel string `json:"channel"`
	}{Channel: channel})
	return string(b)
}

func subscribeFrame(channel string) []byte {
	b, _ := json.Marshal(outboundFrame{
		Command:    "subscribe",
		Identifier: identifierFor(channel),
	})
	return b
}

func unsubscribeFrame(channel string) []byte {
	b, _ := json.Marshal(outboundFrame{
		Command:    "unsubscribe",
		Identifier: identifierFor(channel),
	})
	return b
}

func messageFrame(channel string, data []byte) []byte {
	b, _ := json.Marshal(outboundFrame{
		Command:    "message",
		Identifier: identifierFor(channel),
		Data:       string(data),
	})
	return b
}

// channelFromIdentifier extracts the channel name from an identifier JSON
// string. Returns the raw identifier when it does not parse.
func channelFromIdentifier(identifier string) string {
	var id struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal([]byte(identifier), &id); err != nil || id.Channel == "" {
		return identifier
	}
	return id.Channel
}
