package connect

import (
	"fmt"

	dserrors "github.com/systmms/keyrotate/internal/errors"
)

// StatusClass is the HTTP status family of a response, or ClassTransport
// when no response was received.
type StatusClass int

const (
	ClassTransport   StatusClass = 0
	ClassSuccess     StatusClass = 2
	ClassRedirect    StatusClass = 3
	ClassClientError StatusClass = 4
	ClassServerError StatusClass = 5
)

func classify(statusCode int) StatusClass {
	switch statusCode / 100 {
	case 2:
		return ClassSuccess
	case 3:
		return ClassRedirect
	case 4:
		return ClassClientError
	case 5:
		return ClassServerError
	default:
		// 1xx and garbage never count as success
		return ClassServerError
	}
}

func (c StatusClass) String() string {
	switch c {
	case ClassTransport:
		return "transport error"
	case ClassSuccess:
		return "success"
	case ClassRedirect:
		return "redirection"
	case ClassClientError:
		return "client error"
	case ClassServerError:
		return "server error"
	default:
		return fmt.Sprintf("class %d", int(c))
	}
}

// Outcome is the normalized result of one API operation
type Outcome struct {
	Operation  string
	OK         bool
	Class      StatusClass
	StatusCode int
	Body       []byte
	// Err is set for transport failures and for 2xx answers whose body
	// could not be interpreted.
	Err error
}

// Error converts a failed outcome into an error value; nil when OK.
func (o *Outcome) Error() error {
	if o == nil {
		return fmt.Errorf("no outcome")
	}
	if o.OK {
		return nil
	}
	if o.Err != nil {
		return fmt.Errorf("%s: %w", o.Operation, o.Err)
	}
	return dserrors.APIError{
		Operation:  o.Operation,
		StatusCode: o.StatusCode,
		Body:       string(o.Body),
	}
}

func (o *Outcome) fail(err error) *Outcome {
	o.OK = false
	o.Err = err
	return o
}
