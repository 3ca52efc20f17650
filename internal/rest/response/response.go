// Package response renders the small JSON envelope every REST endpoint
// uses: {"type":"sync","status":...,"status_code":...,"metadata":...}.
package response

import (
	"encoding/json"
	"net/http"
)

// Response is anything that can render itself onto an http.ResponseWriter.
type Response interface {
	Render(w http.ResponseWriter) error
	String() string
	Code() int
}

// envelope is the wire format every JSON response shares.
type envelope struct {
	Type       string `json:"type"`
	Status     string `json:"status"`
	StatusCode int    `json:"status_code"`
	Metadata   any    `json:"metadata,omitempty"`
	Error      string `json:"error,omitempty"`
}

type syncResponse struct {
	success  bool
	metadata any
	code     int
}

// SyncResponse builds a success/failure envelope carrying metadata.
func SyncResponse(success bool, metadata any) Response {
	return &syncResponse{success: success, metadata: metadata}
}

func (r *syncResponse) Render(w http.ResponseWriter) error {
	if !r.success {
		if err, ok := r.metadata.(error); ok {
			return InternalError(err).Render(w)
		}
	}

	if r.code == 0 {
		r.code = http.StatusOK
	}

	w.WriteHeader(r.code)

	status := "Success"
	if !r.success {
		status = "Failure"
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	return enc.Encode(envelope{
		Type:       "sync",
		Status:     status,
		StatusCode: r.code,
		Metadata:   r.metadata,
	})
}

func (r *syncResponse) String() string {
	if r.success {
		return "success"
	}

	return "failure"
}

func (r *syncResponse) Code() int {
	if r.code == 0 {
		return http.StatusOK
	}

	return r.code
}

// errResponse renders a failed request as a JSON error envelope with the
// given HTTP status code.
type errResponse struct {
	code int
	err  error
}

func (r *errResponse) Render(w http.ResponseWriter) error {
	w.WriteHeader(r.code)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	msg := ""
	if r.err != nil {
		msg = r.err.Error()
	}

	return enc.Encode(envelope{
		Type:       "error",
		Status:     http.StatusText(r.code),
		StatusCode: r.code,
		Error:      msg,
	})
}

func (r *errResponse) String() string { return http.StatusText(r.code) }
func (r *errResponse) Code() int      { return r.code }

// BadRequest renders a 400 error envelope.
func BadRequest(err error) Response { return &errResponse{code: http.StatusBadRequest, err: err} }

// NotFound renders a 404 error envelope.
func NotFound(err error) Response { return &errResponse{code: http.StatusNotFound, err: err} }

// Conflict renders a 409 error envelope, used when an operation is
// rejected because another is already in flight.
func Conflict(err error) Response { return &errResponse{code: http.StatusConflict, err: err} }

// InternalError renders a 500 error envelope.
func InternalError(err error) Response {
	return &errResponse{code: http.StatusInternalServerError, err: err}
}

// NotImplemented renders a 501 error envelope.
func NotImplemented(err error) Response {
	return &errResponse{code: http.StatusNotImplemented, err: err}
}
