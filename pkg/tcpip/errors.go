// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tcpip

import (
	"fmt"
)

// Error represents an error in the netstack error space.
//
// The error interface is intentionally omitted to avoid loss of type
// information that would occur if these errors were passed as error.
type Error interface {
	isError()

	// IgnoreStats indicates whether this error should be included in failure
	// counts in tcpip.Stats structs.
	IgnoreStats() bool

	fmt.Stringer
}

// ErrAborted indicates the operation was aborted, either by its owner or
// because the object it was queued on was torn down.
type ErrAborted struct{}

func (*ErrAborted) isError() {}

// IgnoreStats implements Error.
func (*ErrAborted) IgnoreStats() bool {
	return false
}
func (*ErrAborted) String() string {
	return "operation aborted"
}

// ErrAccessDenied indicates a policy rejection: a port or token collision.
type ErrAccessDenied struct{}

func (*ErrAccessDenied) isError() {}

// IgnoreStats implements Error.
func (*ErrAccessDenied) IgnoreStats() bool {
	return true
}
func (*ErrAccessDenied) String() string {
	return "access denied"
}

// ErrAlreadyStarted indicates the operation conflicts with one already in
// progress, or that an object cannot be reconfigured in place.
type ErrAlreadyStarted struct{}

func (*ErrAlreadyStarted) isError() {}

// IgnoreStats implements Error.
func (*ErrAlreadyStarted) IgnoreStats() bool {
	return true
}
func (*ErrAlreadyStarted) String() string {
	return "already started"
}

// ErrBadBufferSize indicates the data does not fit in the largest packet
// that can be sent.
type ErrBadBufferSize struct{}

func (*ErrBadBufferSize) isError() {}

// IgnoreStats implements Error.
func (*ErrBadBufferSize) IgnoreStats() bool {
	return false
}
func (*ErrBadBufferSize) String() string {
	return "bad buffer size"
}

// ErrDeviceError indicates the link device reported a fault.
type ErrDeviceError struct{}

func (*ErrDeviceError) isError() {}

// IgnoreStats implements Error.
func (*ErrDeviceError) IgnoreStats() bool {
	return false
}
func (*ErrDeviceError) String() string {
	return "device error"
}

// ErrHostUnreachable indicates a host unreachable ICMP error was received.
type ErrHostUnreachable struct{}

func (*ErrHostUnreachable) isError() {}

// IgnoreStats implements Error.
func (*ErrHostUnreachable) IgnoreStats() bool {
	return false
}
func (*ErrHostUnreachable) String() string {
	return "no route to host"
}

// ErrICMPError indicates an ICMP error other than the four unreachable kinds
// was received.
type ErrICMPError struct{}

func (*ErrICMPError) isError() {}

// IgnoreStats implements Error.
func (*ErrICMPError) IgnoreStats() bool {
	return false
}
func (*ErrICMPError) String() string {
	return "icmp error"
}

// ErrInvalidParameter indicates malformed caller input. It is reported before
// any state is changed.
type ErrInvalidParameter struct{}

func (*ErrInvalidParameter) isError() {}

// IgnoreStats implements Error.
func (*ErrInvalidParameter) IgnoreStats() bool {
	return false
}
func (*ErrInvalidParameter) String() string {
	return "invalid parameter"
}

// ErrNetworkUnreachable indicates a network unreachable ICMP error was
// received.
type ErrNetworkUnreachable struct{}

func (*ErrNetworkUnreachable) isError() {}

// IgnoreStats implements Error.
func (*ErrNetworkUnreachable) IgnoreStats() bool {
	return false
}
func (*ErrNetworkUnreachable) String() string {
	return "network is unreachable"
}

// ErrNoMapping indicates that next-hop address resolution failed, or that
// there is no means to resolve it.
type ErrNoMapping struct{}

func (*ErrNoMapping) isError() {}

// IgnoreStats implements Error.
func (*ErrNoMapping) IgnoreStats() bool {
	return false
}
func (*ErrNoMapping) String() string {
	return "no link address mapping"
}

// ErrNoRoute indicates no route to the destination exists.
type ErrNoRoute struct{}

func (*ErrNoRoute) isError() {}

// IgnoreStats implements Error.
func (*ErrNoRoute) IgnoreStats() bool {
	return false
}
func (*ErrNoRoute) String() string {
	return "no route"
}

// ErrNotFound indicates a lookup missed: a token, group or route is absent.
type ErrNotFound struct{}

func (*ErrNotFound) isError() {}

// IgnoreStats implements Error.
func (*ErrNotFound) IgnoreStats() bool {
	return true
}
func (*ErrNotFound) String() string {
	return "not found"
}

// ErrNotReady is the status of a completion that has not been signaled.
type ErrNotReady struct{}

func (*ErrNotReady) isError() {}

// IgnoreStats implements Error.
func (*ErrNotReady) IgnoreStats() bool {
	return true
}
func (*ErrNotReady) String() string {
	return "not ready"
}

// ErrNotStarted indicates the object has not been configured.
type ErrNotStarted struct{}

func (*ErrNotStarted) isError() {}

// IgnoreStats implements Error.
func (*ErrNotStarted) IgnoreStats() bool {
	return true
}
func (*ErrNotStarted) String() string {
	return "not started"
}

// ErrOutOfResources indicates an allocation failed or a resource space is
// exhausted. The caller may retry later.
type ErrOutOfResources struct{}

func (*ErrOutOfResources) isError() {}

// IgnoreStats implements Error.
func (*ErrOutOfResources) IgnoreStats() bool {
	return false
}
func (*ErrOutOfResources) String() string {
	return "out of resources"
}

// ErrPortUnreachable indicates a port unreachable ICMP error was received.
type ErrPortUnreachable struct{}

func (*ErrPortUnreachable) isError() {}

// IgnoreStats implements Error.
func (*ErrPortUnreachable) IgnoreStats() bool {
	return false
}
func (*ErrPortUnreachable) String() string {
	return "port unreachable"
}

// ErrProtocolUnreachable indicates a protocol unreachable ICMP error was
// received.
type ErrProtocolUnreachable struct{}

func (*ErrProtocolUnreachable) isError() {}

// IgnoreStats implements Error.
func (*ErrProtocolUnreachable) IgnoreStats() bool {
	return false
}
func (*ErrProtocolUnreachable) String() string {
	return "protocol unreachable"
}

// ErrTimeout indicates the operation timed out.
type ErrTimeout struct{}

func (*ErrTimeout) isError() {}

// IgnoreStats implements Error.
func (*ErrTimeout) IgnoreStats() bool {
	return false
}
func (*ErrTimeout) String() string {
	return "operation timed out"
}

// ErrUnsupported indicates the requested feature is not supported.
type ErrUnsupported struct{}

func (*ErrUnsupported) isError() {}

// IgnoreStats implements Error.
func (*ErrUnsupported) IgnoreStats() bool {
	return false
}
func (*ErrUnsupported) String() string {
	return "operation not supported"
}

// ErrWouldBlock indicates the operation cannot complete now: an address
// resolution is pending or there is no frame to read.
type ErrWouldBlock struct{}

func (*ErrWouldBlock) isError() {}

// IgnoreStats implements Error.
func (*ErrWouldBlock) IgnoreStats() bool {
	return true
}
func (*ErrWouldBlock) String() string {
	return "operation would block"
}

// StatusError adapts an Error to the error interface for code outside the
// engine. errors.As can be used to recover the original value.
type StatusError struct {
	Err Error
}

// Error implements error.
func (e *StatusError) Error() string {
	return e.Err.String()
}

// AsError converts err to an error. It returns nil if err is nil.
func AsError(err Error) error {
	if err == nil {
		return nil
	}
	return &StatusError{Err: err}
}
