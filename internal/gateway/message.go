package gateway

import (
	"encoding/json"
	"time"

	"github.com/lucianhymer/asrgateway/internal/protocol"
)

func encodeMessage(t protocol.MessageType, data any) (protocol.Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Message{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
	}, nil
}
