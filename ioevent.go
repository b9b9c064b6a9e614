// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package ioengine

import (
	"fmt"
)

// IOEvent is the closed set of events dispatched to processors.
type IOEvent uint8

const (
	EventNone IOEvent = iota
	EventRead
	EventWrite
	EventServerAccept
	EventAccepted
	EventClientConnected
	EventConnected
	EventClosed

	numIOEvents = iota
)

// Interest is the readiness-notification bit an [IOEvent] corresponds to.
type Interest uint8

const (
	InterestRead    Interest = 1 << 0
	InterestWrite   Interest = 1 << 2
	InterestConnect Interest = 1 << 3
	InterestAccept  Interest = 1 << 4
)

var ioEventNames = [numIOEvents]string{
	EventNone:            "NONE",
	EventRead:            "READ",
	EventWrite:           "WRITE",
	EventServerAccept:    "SERVER_ACCEPT",
	EventAccepted:        "ACCEPTED",
	EventClientConnected: "CLIENT_CONNECTED",
	EventConnected:       "CONNECTED",
	EventClosed:          "CLOSED",
}

var ioEventInterests = [numIOEvents]Interest{
	EventRead:            InterestRead,
	EventWrite:           InterestWrite,
	EventServerAccept:    InterestAccept,
	EventClientConnected: InterestConnect,
}

// IOEvents returns every valid event, in declaration order.
func IOEvents() []IOEvent {
	events := make([]IOEvent, numIOEvents)
	for i := range events {
		events[i] = IOEvent(i)
	}
	return events
}

// Valid reports whether e is one of the declared events.
func (e IOEvent) Valid() bool { return e < numIOEvents }

// Interest returns the readiness bit for e, or 0 for purely logical events.
func (e IOEvent) Interest() Interest {
	if !e.Valid() {
		return 0
	}
	return ioEventInterests[e]
}

// isReadWrite reports whether e is backed by channel readiness that the
// engine toggles around processing.
func (e IOEvent) isReadWrite() bool { return e == EventRead || e == EventWrite }

func (e IOEvent) String() string {
	if !e.Valid() {
		return fmt.Sprintf("IOEvent(%d)", uint8(e))
	}
	return ioEventNames[e]
}
