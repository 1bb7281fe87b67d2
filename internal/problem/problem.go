// Package problem renders publish outcomes as structured problem documents
// (RFC 7807, application/problem+json). It is the only place where internal
// failure detail is dropped before a response leaves the process.
package problem

import (
	"fmt"
	"net/http"

	"eventgate/internal/domain"
	"eventgate/internal/publish"

	"github.com/goccy/go-json"
)

const ContentType = "application/problem+json"

// Problem is the client-visible error document. Type is omitted for the
// default "about:blank" type.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (p Problem) Error() string {
	if p.Detail != "" {
		return fmt.Sprintf("%d %s: %s", p.Status, p.Title, p.Detail)
	}
	return fmt.Sprintf("%d %s", p.Status, p.Title)
}

// New builds a problem whose title is the standard status text.
func New(status int, detail string) Problem {
	return Problem{Title: http.StatusText(status), Status: status, Detail: detail}
}

func EventTypeNotFound(name domain.EventTypeName) Problem {
	return New(http.StatusNotFound, fmt.Sprintf("EventType '%s' does not exist.", name))
}

// Render maps an outcome to its client-visible form. ok is false for
// accepted outcomes, which carry no problem.
func Render(out publish.Outcome) (p Problem, ok bool) {
	switch out.Kind {
	case publish.KindAccepted:
		return Problem{}, false
	case publish.KindEventTypeNotFound:
		return EventTypeNotFound(out.EventType), true
	default:
		return New(http.StatusInternalServerError, ""), true
	}
}

// Status is the HTTP status for an outcome.
func Status(out publish.Outcome) int {
	if p, ok := Render(out); ok {
		return p.Status
	}
	return http.StatusCreated
}

func Marshal(p Problem) ([]byte, error) {
	return json.Marshal(p)
}

// Write sends p as a problem+json response.
func Write(w http.ResponseWriter, p Problem) error {
	body, err := Marshal(p)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	_, err = w.Write(body)
	return err
}
