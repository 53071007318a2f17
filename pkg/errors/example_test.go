package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/tributary/pkg/errors"
)

// Example demonstrates basic error creation with details.
func Example() {
	err := errors.New(errors.ErrorTypeConnection, "provider unreachable").
		WithDetail("source", "google").
		WithDetail("attempt", 2)

	fmt.Println(err.Error())

	// Output:
	// connection: provider unreachable
}

// ExampleWrap shows how a cursor rejection is wrapped and detected.
func ExampleWrap() {
	err := errors.Wrap(io.EOF, errors.ErrorTypeCursorInvalid, "sync token expired")

	if errors.IsType(err, errors.ErrorTypeCursorInvalid) {
		fmt.Println("cursor must be reset")
	}
	if errors.Is(err, io.EOF) {
		fmt.Println("cause preserved")
	}

	// Output:
	// cursor must be reset
	// cause preserved
}

// ExampleIsRetryable shows which error categories are transient.
func ExampleIsRetryable() {
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeRateLimit, "429")))
	fmt.Println(errors.IsRetryable(errors.New(errors.ErrorTypeAuthentication, "invalid grant")))
	fmt.Println(errors.IsRetryable(io.EOF))

	// Output:
	// true
	// false
	// false
}

// ExampleTruncate shows how activity error messages are bounded.
func ExampleTruncate() {
	fmt.Println(errors.Truncate("connection: reset by peer", 10))

	// Output:
	// connection
}
