// Package events delivers utterance start/end notifications to consumers.
// It defines the Bridge contract used by the session engine and provides a
// websocket broadcast hub, an HTTP upload webhook, a logging bridge and a
// fan-out combinator.
package events
