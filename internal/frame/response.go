package frame

import (
	"encoding/json"
	"fmt"
)

// KindResponse tags reply frames. Replies are correlated purely by id; their
// owner is always NoOwner and never consulted.
const KindResponse = "response"

// Response is the payload of a reply frame.
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewResponse builds the reply to requestID. A non-nil handlerErr is carried
// as an application-level failure instead of a result.
func NewResponse(requestID string, result any, handlerErr error) (Envelope, error) {
	if requestID == "" {
		return Envelope{}, fmt.Errorf("%w: response requires request id", ErrMalformed)
	}
	resp := Response{}
	if handlerErr != nil {
		resp.Error = handlerErr.Error()
		if resp.Error == "" {
			resp.Error = "request failed"
		}
	} else {
		raw, err := MarshalPayload(result)
		if err != nil {
			return Envelope{}, err
		}
		resp.Result = raw
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode response: %w", err)
	}
	return Envelope{ID: requestID, Kind: KindResponse, Owner: NoOwner, Payload: payload}, nil
}

// DecodeResponse extracts the Response carried by env. Frames that are not
// tagged as responses are treated as bare results so any frame echoing a
// request id can complete it.
func DecodeResponse(env Envelope) (Response, error) {
	if env.Kind != KindResponse {
		return Response{Result: env.Payload}, nil
	}
	var resp Response
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return resp, nil
	}
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: response payload: %v", ErrMalformed, err)
	}
	if len(resp.Result) == 0 {
		resp.Result = json.RawMessage("null")
	}
	return resp, nil
}
