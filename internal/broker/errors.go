package broker

import "errors"

var (
	// ErrUnsupportedMode is returned when a subscription declares an
	// unknown delivery mode
	ErrUnsupportedMode = errors.New("unsupported delivery mode")

	// ErrMissingHandler is returned when a subscription lacks the
	// callback its delivery mode requires
	ErrMissingHandler = errors.New("missing delivery handler for mode")

	// ErrMissingSubscriberID is returned when a subscription has no id
	ErrMissingSubscriberID = errors.New("subscriber id is required")

	// ErrNoEventTypes is returned when a subscription covers no event types
	ErrNoEventTypes = errors.New("subscription requires at least one event type")

	// ErrClosed is returned when operating on a closed broker
	ErrClosed = errors.New("broker is closed")
)
