package browser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"

	"github.com/JakeFAU/bookingwatch/internal/collector"
)

// remoteValue converts a by-value remote object into a Go value. Objects that were not
// serialized fall back to their description.
func remoteValue(obj *runtime.RemoteObject) any {
	if obj == nil {
		return nil
	}
	if obj.Type == runtime.TypeUndefined || obj.Subtype == runtime.SubtypeNull {
		return nil
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if raw := []byte(obj.Value); len(raw) > 0 {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return obj.Description
}

// needsSerialization reports whether arg is a live object whose fields must be pulled by value.
func needsSerialization(arg *runtime.RemoteObject) bool {
	return arg != nil && arg.Type == runtime.TypeObject && arg.ObjectID != "" && len(arg.Value) == 0
}

type bindingPayload struct {
	Origin string `json:"origin"`
	Data   any    `json:"data"`
}

// decodeBinding parses one message bridge payload.
func decodeBinding(payload string, at time.Time) (collector.Message, error) {
	var p bindingPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return collector.Message{}, fmt.Errorf("decode message payload: %w", err)
	}
	if strings.TrimSpace(p.Origin) == "" {
		return collector.Message{}, errors.New("message payload has no origin")
	}
	return collector.Message{Origin: p.Origin, Data: p.Data, At: at}, nil
}
