package kernel

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Wire message types exchanged with the remote kernel. Authentication is
// carried on the connection headers, never in-band.
const (
	msgTypeExecuteRequest    = "execute_request"
	msgTypeExecuteReply      = "execute_reply"
	msgTypeExecuteResult     = "execute_result"
	msgTypeStream            = "stream"
	msgTypeStatus            = "status"
	msgTypeKernelInfoRequest = "kernel_info_request"
	msgTypeKernelInfoReply   = "kernel_info_reply"
)

const (
	streamStdout = "stdout"
	streamStderr = "stderr"

	replyStatusOK    = "ok"
	replyStatusError = "error"
)

type messageHeader struct {
	MsgID   string `json:"msg_id"`
	MsgType string `json:"msg_type"`
	Session string `json:"session,omitempty"`
	Date    string `json:"date,omitempty"`
}

// message is one protocol frame. ParentHeader.MsgID is the correlation id
// tying stream and reply frames back to the request that caused them.
type message struct {
	Header       messageHeader   `json:"header"`
	ParentHeader messageHeader   `json:"parent_header"`
	Content      json.RawMessage `json:"content"`
}

func (m message) correlationID() string { return m.ParentHeader.MsgID }

type executeRequestContent struct {
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory bool   `json:"store_history"`
}

type executeReplyContent struct {
	Status         string   `json:"status"`
	ExecutionCount int      `json:"execution_count,omitempty"`
	EName          string   `json:"ename,omitempty"`
	EValue         string   `json:"evalue,omitempty"`
	Traceback      []string `json:"traceback,omitempty"`
}

type executeResultContent struct {
	Data map[string]string `json:"data"`
}

type streamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

type statusContent struct {
	ExecutionState string `json:"execution_state"`
}

func newMessage(msgType, kernelSession string, content any) (message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return message{}, err
	}
	return message{
		Header: messageHeader{
			MsgID:   uuid.NewString(),
			MsgType: msgType,
			Session: kernelSession,
			Date:    time.Now().UTC().Format(time.RFC3339),
		},
		Content: raw,
	}, nil
}
