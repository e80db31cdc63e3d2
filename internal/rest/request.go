package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/fabric/api"
)

// Request describes one logical backend call. Path is relative to the version
// prefix ("app_instances/OS-1"); the executor adds scheme, host and "/v{n}".
type Request struct {
	Method string
	Path   string
	Body   any
	// Sensitive suppresses request and response body logging.
	Sensitive bool
	// ConflictOK turns a 409 response into success (create-if-absent).
	ConflictOK bool
	Version    api.Version
	// Tenant is the tenant header value ("/root/OS-x"); empty sends none.
	Tenant string
	// Login marks the login call itself, which bypasses session handling.
	Login bool
}

// Response is a parsed backend response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte

	method    string
	path      string
	sensitive bool
}

// Decode unmarshals the response body into out. An empty or undecodable body
// is reported as api.ErrProtocol.
func (r *Response) Decode(out any) error {
	if r == nil {
		return &api.Error{Kind: api.ErrProtocol, Message: "empty response"}
	}
	body := bytes.TrimSpace(r.Body)
	if len(body) == 0 {
		return &api.Error{Kind: api.ErrProtocol, Status: r.Status, Method: r.method, Path: r.path, Message: "empty response body"}
	}
	if err := json.Unmarshal(body, out); err != nil {
		apiErr := &api.Error{Kind: api.ErrProtocol, Status: r.Status, Method: r.method, Path: r.path, Message: fmt.Sprintf("decode response: %v", err)}
		if !r.sensitive {
			apiErr.Body = append([]byte(nil), r.Body...)
		}
		return apiErr
	}
	return nil
}

// DecodeData unmarshals a {"data": ...} envelope into out.
func (r *Response) DecodeData(out any) error {
	env := api.Envelope[json.RawMessage]{}
	if err := r.Decode(&env); err != nil {
		return err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return &api.Error{Kind: api.ErrProtocol, Status: r.Status, Method: r.method, Path: r.path, Message: "response envelope missing data"}
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &api.Error{Kind: api.ErrProtocol, Status: r.Status, Method: r.method, Path: r.path, Message: fmt.Sprintf("decode response data: %v", err)}
	}
	return nil
}

// Conflict reports whether the response was a swallowed 409.
func (r *Response) Conflict() bool {
	return r != nil && r.Status == http.StatusConflict
}

const unsupportedVersionError = "UnsupportedVersionError"

// classify translates a status code into the error taxonomy. A nil return
// means success.
func classify(req Request, status int, body []byte) error {
	var kind error
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = api.ErrNotAuthorized
	case status == http.StatusNotFound:
		kind = api.ErrNotFound
	case status == http.StatusConflict:
		if req.ConflictOK {
			return nil
		}
		kind = api.ErrConflict
	case status == http.StatusServiceUnavailable:
		kind = api.ErrBackendOverloaded
	default:
		kind = api.ErrProtocol
	}
	apiErr := &api.Error{
		Kind:   kind,
		Status: status,
		Method: req.Method,
		Path:   req.Path,
	}
	if len(bytes.TrimSpace(body)) > 0 {
		var envelope api.ErrorResponse
		if err := json.Unmarshal(body, &envelope); err == nil {
			apiErr.Response = envelope
			apiErr.Message = envelope.Message
		}
		if !req.Sensitive {
			apiErr.Body = append([]byte(nil), body...)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// IsUnsupportedVersion reports whether err is the backend rejecting the wire
// version of a request.
func IsUnsupportedVersion(err error) bool {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.Response.Name == unsupportedVersionError {
		return true
	}
	return strings.Contains(apiErr.Message, unsupportedVersionError)
}

func statusClass(status int) string {
	switch {
	case status == 0:
		return "none"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
