package errors_test

import (
	"fmt"
	"io"
	"time"

	"github.com/ajitpratap0/feedstream/pkg/errors"
)

// Example demonstrates basic error creation and detail attachment.
func Example() {
	err := errors.New(errors.ErrorTypeValidation, "timestamp out of range").
		WithDetail("connector", "weather").
		WithDetail("field", "timestamp")

	fmt.Println(err.Error())

	// Output:
	// validation: timestamp out of range
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Fetch(io.ErrUnexpectedEOF)

	if errors.IsType(err, errors.ErrorTypeFetch) {
		fmt.Println("fetch error")
	}
	if errors.IsRetryable(err) {
		fmt.Println("retryable")
	}
	fmt.Println(err)

	// Output:
	// fetch error
	// retryable
	// fetch: fetch failed: unexpected EOF
}

// ExampleTimeout shows the timeout error produced for slow fetches.
func ExampleTimeout() {
	err := errors.Timeout(2 * time.Second)
	fmt.Println(err)
	fmt.Println(errors.IsRetryable(err))

	// Output:
	// timeout: fetch timed out after 2s
	// true
}
