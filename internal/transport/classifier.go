package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
)

// ShouldRefreshFunc decides whether a failed response was caused by an expired access token.
// The response body can be read freely, the caller still receives it in full.
type ShouldRefreshFunc func(ctx context.Context, res *http.Response) (bool, error)

// DefaultShouldRefresh refreshes on 401 Unauthorized only
func DefaultShouldRefresh(_ context.Context, res *http.Response) (bool, error) {
	return res.StatusCode == http.StatusUnauthorized, nil
}

// StatusCodes refreshes when the response has one of the given status codes
func StatusCodes(codes ...int) ShouldRefreshFunc {
	return func(_ context.Context, res *http.Response) (bool, error) {
		for _, code := range codes {
			if res.StatusCode == code {
				return true, nil
			}
		}
		return false, nil
	}
}

// BodyContains refreshes when the response body contains substr, for APIs that do not
// use 401 for expired tokens
func BodyContains(substr string) ShouldRefreshFunc {
	return func(_ context.Context, res *http.Response) (bool, error) {
		if res.Body == nil {
			return false, nil
		}
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return false, err
		}
		res.Body = io.NopCloser(bytes.NewReader(body))
		return strings.Contains(string(body), substr), nil
	}
}

// bufferBody replaces the response body with an in-memory copy so it can be read more than once
func bufferBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return nil, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func resetBody(res *http.Response, body []byte) {
	if body == nil {
		return
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
}
