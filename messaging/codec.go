package messaging

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUnknownType = errors.New("messaging: unknown request type")
	ErrBadPayload  = errors.New("messaging: malformed payload")
)

// Encode wraps req in an envelope with a fresh id.
func Encode(req Request) (Envelope, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", req.Type(), err)
	}
	return Envelope{Type: req.Type(), ID: uuid.NewString(), Payload: payload}, nil
}

// Decode turns an envelope back into its typed request.
func Decode(env Envelope) (Request, error) {
	switch env.Type {
	case TypeResolveRank:
		return decodeAs[ResolveRank](env)
	case TypeCheckActive:
		return decodeAs[CheckActive](env)
	case TypeIncrementCounter:
		return decodeAs[IncrementCounter](env)
	case TypeSetCurrentUser:
		return decodeAs[SetCurrentUser](env)
	case TypeClearCache:
		return decodeAs[ClearCache](env)
	case TypeGetAllCachedRanks:
		return decodeAs[GetAllCachedRanks](env)
	case TypeSetRankData:
		return decodeAs[SetRankData](env)
	case TypeFetchBadgeIcon:
		return decodeAs[FetchBadgeIcon](env)
	case TypeDetectGame:
		return decodeAs[DetectGame](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodeAs[T Request](env Envelope) (Request, error) {
	var req T
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return req, nil
	}
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	return req, nil
}

func okReply(id string, result any) Reply {
	raw, err := json.Marshal(result)
	if err != nil {
		return errReply(id, fmt.Errorf("encode result: %w", err))
	}
	return Reply{ID: id, OK: true, Result: raw}
}

func errReply(id string, err error) Reply {
	return Reply{ID: id, OK: false, Error: err.Error()}
}
