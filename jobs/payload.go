package jobs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// SignPayload is the decoded sign_single_file job argument.
type SignPayload struct {
	FileID        int64
	SignRequestID int64
	UserID        string
	CredentialsID string
}

// ParseSignPayload decodes args. Ids may arrive as any JSON or Go number,
// or as decimal strings; both ids are required.
func ParseSignPayload(args map[string]any) (SignPayload, error) {
	var p SignPayload
	var err error
	if p.FileID, err = intArg(args, "fileId"); err != nil {
		return p, err
	}
	if p.SignRequestID, err = intArg(args, "signRequestId"); err != nil {
		return p, err
	}
	p.UserID = stringArg(args, "userId")
	p.CredentialsID = stringArg(args, "credentialsId")
	return p, nil
}

func intArg(args map[string]any, key string) (int64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidPayload, key)
	}
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidPayload, key)
		}
		n = int64(x)
	case json.Number:
		i, err := x.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, key, err)
		}
		n = i
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, key, err)
		}
		n = i
	default:
		return 0, fmt.Errorf("%w: %s has type %T", ErrInvalidPayload, key, v)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidPayload, key)
	}
	return n, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}
