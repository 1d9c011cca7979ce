package stratum

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bardlex/gompminer/internal/mining"
)

// Stratum methods the client sends or handles.
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodSetExtranonce       = "mining.set_extranonce"
	MethodSuggestDifficulty   = "mining.suggest_difficulty"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodReconnect           = "client.reconnect"
	MethodShowMessage         = "client.show_message"
	MethodGetVersion          = "client.get_version"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error. Pools send it either as the V1 array
// [code, message, traceback] or as a JSON-RPC object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts both the array and the object form.
func (e *Error) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) > 0 {
			if code, ok := toInt(arr[0]); ok {
				e.Code = code
			}
		}
		if len(arr) > 1 {
			if msg, ok := arr[1].(string); ok {
				e.Message = msg
			}
		}
		if len(arr) > 2 {
			e.Data = arr[2]
		}
		return nil
	}

	type plain Error
	var obj plain
	if err := json.Unmarshal(data, &obj); err != nil {
		// Some pools send a bare string.
		var s string
		if json.Unmarshal(data, &s) == nil {
			e.Code = ErrorOther
			e.Message = s
			return nil
		}
		return err
	}
	*e = Error(obj)
	return nil
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id uint64, method string, params []any) *Message {
	if params == nil {
		params = []any{}
	}
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a response to a pool-initiated request such as client.get_version.
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewNotification creates a message without an id. Used for fire-and-forget
// requests such as mining.suggest_difficulty, and by test pools.
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsResponse returns true if the message answers a request
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message carries a method for the client
// to handle. Pools sometimes put an id on client.* calls; the method wins.
func (m *Message) IsNotification() bool {
	return m.Method != ""
}

// ResponseID returns the numeric id of a response.
func (m *Message) ResponseID() (uint64, bool) {
	switch v := m.ID.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// SessionParams are the values mining.subscribe assigns to this connection.
type SessionParams struct {
	SubscriptionID  string
	ExtraNonce1     string
	ExtraNonce2Size int
}

// ExtraNonce1Bytes decodes ExtraNonce1.
func (p *SessionParams) ExtraNonce1Bytes() ([]byte, error) {
	return hex.DecodeString(p.ExtraNonce1)
}

// ParseSubscribeResult decodes [subscriptions, extranonce1, extranonce2_size].
// subscriptions may be a bare id string or the nested [["mining.notify", id], ...] form.
func ParseSubscribeResult(result any) (*SessionParams, error) {
	arr, ok := result.([]any)
	if !ok || len(arr) < 3 {
		return nil, fmt.Errorf("subscribe result must be a 3-element array, got %T", result)
	}

	en1, ok := arr[1].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce1 must be string, got %T", arr[1])
	}
	if _, err := hex.DecodeString(en1); err != nil {
		return nil, fmt.Errorf("extranonce1 is not hex: %w", err)
	}

	size, ok := toInt(arr[2])
	if !ok || size <= 0 || size > 32 {
		return nil, fmt.Errorf("invalid extranonce2_size %v", arr[2])
	}

	return &SessionParams{
		SubscriptionID:  subscriptionID(arr[0]),
		ExtraNonce1:     en1,
		ExtraNonce2Size: size,
	}, nil
}

// subscriptionID digs the mining.notify subscription id out of the first
// subscribe result element. Unknown shapes yield "".
func subscriptionID(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []any:
		// Either ["mining.notify", id] or [["mining.set_difficulty", id], ["mining.notify", id]].
		if len(s) == 2 {
			_, isName := s[0].(string)
			if id, isID := s[1].(string); isName && isID {
				return id
			}
		}
		var first string
		for _, e := range s {
			pair, ok := e.([]any)
			if !ok || len(pair) < 2 {
				continue
			}
			name, _ := pair[0].(string)
			id, _ := pair[1].(string)
			if name == MethodNotify {
				return id
			}
			if first == "" {
				first = id
			}
		}
		return first
	}
	return ""
}

// ParseNotify decodes mining.notify params:
// [job_id, prevhash, coinb1, coinb2, merkle_branch, version, nbits, ntime, clean_jobs].
func ParseNotify(params []any) (*mining.Job, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("mining.notify needs 9 params, got %d", len(params))
	}

	var strs [8]string
	for _, i := range []int{0, 1, 2, 3, 5, 6, 7} {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("mining.notify param %d must be string, got %T", i, params[i])
		}
		strs[i] = s
	}

	rawBranches, ok := params[4].([]any)
	if !ok {
		return nil, fmt.Errorf("merkle_branch must be array, got %T", params[4])
	}
	branches := make([]string, len(rawBranches))
	for i, b := range rawBranches {
		s, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("merkle_branch[%d] must be string", i)
		}
		branches[i] = s
	}

	clean, ok := params[8].(bool)
	if !ok {
		return nil, fmt.Errorf("clean_jobs must be bool, got %T", params[8])
	}

	return &mining.Job{
		JobID:        strs[0],
		PrevHash:     strs[1],
		Coinb1:       strs[2],
		Coinb2:       strs[3],
		MerkleBranch: branches,
		Version:      strs[5],
		NBits:        strs[6],
		NTime:        strs[7],
		CleanJobs:    clean,
		ReceivedAt:   time.Now(),
	}, nil
}

// ParseSetDifficulty decodes mining.set_difficulty [difficulty].
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}
	d, ok := params[0].(float64)
	if !ok {
		return 0, fmt.Errorf("difficulty must be number, got %T", params[0])
	}
	if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0, fmt.Errorf("difficulty must be positive, got %v", d)
	}
	return d, nil
}

// ParseSetExtranonce decodes mining.set_extranonce [extranonce1, extranonce2_size].
func ParseSetExtranonce(params []any) (*SessionParams, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("insufficient parameters")
	}
	en1, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce1 must be string")
	}
	if _, err := hex.DecodeString(en1); err != nil {
		return nil, fmt.Errorf("extranonce1 is not hex: %w", err)
	}
	size, ok := toInt(params[1])
	if !ok || size <= 0 || size > 32 {
		return nil, fmt.Errorf("invalid extranonce2_size %v", params[1])
	}
	return &SessionParams{ExtraNonce1: en1, ExtraNonce2Size: size}, nil
}

// ReconnectRequest is a decoded client.reconnect.
type ReconnectRequest struct {
	Host string
	Port int
	Wait time.Duration
}

// ParseReconnect decodes client.reconnect [host, port, wait]. Every element is optional.
func ParseReconnect(params []any) (*ReconnectRequest, error) {
	req := &ReconnectRequest{}
	if len(params) > 0 && params[0] != nil {
		host, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("host must be string")
		}
		req.Host = host
	}
	if len(params) > 1 && params[1] != nil {
		port, ok := toInt(params[1])
		if !ok || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port %v", params[1])
		}
		req.Port = port
	}
	if len(params) > 2 && params[2] != nil {
		wait, ok := toInt(params[2])
		if !ok || wait < 0 {
			return nil, fmt.Errorf("invalid wait %v", params[2])
		}
		req.Wait = time.Duration(wait) * time.Second
	}
	return req, nil
}

// ParseBoolResult interprets an authorize or submit result.
func ParseBoolResult(result any) bool {
	b, ok := result.(bool)
	return ok && b
}

// toInt accepts JSON numbers and numeric strings.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}
