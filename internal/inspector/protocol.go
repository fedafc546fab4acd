// apex-debug CDP wire envelope
// Bit-exact Chrome DevTools Protocol JSON framing.

package inspector

import (
	"encoding/json"
	"fmt"
)

// request is the outbound command envelope: {"id":N,"method":"…","params":{…}}.
type request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Message is the inbound envelope. A non-zero ID marks a command reply;
// a Method with no ID marks an unsolicited event.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CdpError       `json:"error,omitempty"`
}

// CdpError is an inspector-reported command failure.
type CdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *CdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}
