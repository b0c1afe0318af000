package transport

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
)

// pendingRequest captures everything needed to send a request again after a refresh.
// The header snapshot is taken before the access token is attached.
type pendingRequest struct {
	id           string
	original     *http.Request
	method       string
	url          *url.URL
	header       http.Header
	body         []byte
	getBody      func() (io.ReadCloser, error)
	token        string
	retries      int
	failedStatus int
}

// capture snapshots req and makes sure its body can be replayed. Bodies without GetBody
// are read into memory and the original body is closed.
func capture(id string, req *http.Request) (*pendingRequest, error) {
	p := pendingRequest{
		id:       id,
		original: req,
		method:   req.Method,
		url:      req.URL,
		header:   req.Header.Clone(),
	}
	if req.Body == nil || req.Body == http.NoBody {
		return &p, nil
	}
	if req.GetBody != nil {
		// every attempt gets its own body from GetBody
		p.getBody = req.GetBody
		return &p, req.Body.Close()
	}
	body, err := io.ReadAll(req.Body)
	closeErr := req.Body.Close()
	if err != nil {
		return nil, err
	}
	if closeErr != nil {
		return nil, closeErr
	}
	p.body = body
	p.getBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return &p, nil
}

// build creates a fresh request for one send attempt, the original request is never modified
func (p *pendingRequest) build() (*http.Request, error) {
	req := p.original.Clone(p.original.Context())
	req.Method = p.method
	req.URL = p.url
	req.Header = p.header.Clone()
	if p.getBody == nil {
		return req, nil
	}
	body, err := p.getBody()
	if err != nil {
		return nil, err
	}
	req.Body = body
	req.GetBody = p.getBody
	return req, nil
}
