// Package relay implements the gossip surface: a websocket server speaking
// JSON array frames, and a client able to publish and subscribe against one.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zapmesh/zapmesh/message"
)

// Wire verbs. EVENT, REQ and CLOSE arrive from clients; EVENT, OK, EOSE and
// NOTICE go back.
const (
	VerbEvent  = "EVENT"
	VerbReq    = "REQ"
	VerbClose  = "CLOSE"
	VerbOK     = "OK"
	VerbEOSE   = "EOSE"
	VerbNotice = "NOTICE"
)

// Machine-readable OK reason prefixes.
const (
	ReasonBadSignature    = "bad-signature"
	ReasonInvalid         = "invalid: "
	ReasonPaymentRequired = "payment-required: "
	ReasonDuplicate       = "duplicate: "
	ReasonReplaced        = "replaced: "
	ReasonDeleted         = "deleted: "
	ReasonError           = "error: "
)

var errEmptyFrame = errors.New("relay: empty frame")

// parseFrame splits one wire frame into its verb and raw arguments.
func parseFrame(data []byte) (string, []json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return "", nil, fmt.Errorf("relay: frame is not a JSON array: %w", err)
	}
	if len(arr) == 0 {
		return "", nil, errEmptyFrame
	}
	var verb string
	if err := json.Unmarshal(arr[0], &verb); err != nil {
		return "", nil, fmt.Errorf("relay: frame verb: %w", err)
	}
	return verb, arr[1:], nil
}

func publishFrame(m *message.Message) ([]byte, error) {
	return json.Marshal([]interface{}{VerbEvent, m})
}

func eventFrame(subID string, m *message.Message) ([]byte, error) {
	return json.Marshal([]interface{}{VerbEvent, subID, m})
}

func reqFrame(subID string, filters message.Filters) ([]byte, error) {
	args := make([]interface{}, 0, len(filters)+2)
	args = append(args, VerbReq, subID)
	for i := range filters {
		args = append(args, filters[i])
	}
	return json.Marshal(args)
}

func closeFrame(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{VerbClose, subID})
}

func okFrame(id string, accepted bool, reason string) ([]byte, error) {
	return json.Marshal([]interface{}{VerbOK, id, accepted, reason})
}

func eoseFrame(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{VerbEOSE, subID})
}

func noticeFrame(text string) ([]byte, error) {
	return json.Marshal([]interface{}{VerbNotice, text})
}
