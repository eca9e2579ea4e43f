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

//go:build linux
// +build linux

package rawfile

import (
	"golang.org/x/sys/unix"
	"fwnet.dev/fwnet/pkg/tcpip"
)

var translations = map[unix.Errno]tcpip.Error{
	unix.EAGAIN:        &tcpip.ErrWouldBlock{},
	unix.EINTR:         &tcpip.ErrWouldBlock{},
	unix.EINVAL:        &tcpip.ErrInvalidParameter{},
	unix.EMSGSIZE:      &tcpip.ErrBadBufferSize{},
	unix.ENOBUFS:       &tcpip.ErrOutOfResources{},
	unix.ENOMEM:        &tcpip.ErrOutOfResources{},
	unix.EPERM:         &tcpip.ErrAccessDenied{},
	unix.EACCES:        &tcpip.ErrAccessDenied{},
	unix.ENODEV:        &tcpip.ErrNotFound{},
	unix.ENXIO:         &tcpip.ErrNotFound{},
	unix.ENETDOWN:      &tcpip.ErrDeviceError{},
	unix.ENETUNREACH:   &tcpip.ErrNoRoute{},
	unix.EADDRNOTAVAIL: &tcpip.ErrInvalidParameter{},
	unix.ETIMEDOUT:     &tcpip.ErrTimeout{},
	unix.EOPNOTSUPP:    &tcpip.ErrUnsupported{},
}

// TranslateErrno translate an errno from the unix package into a
// tcpip.Error.
//
// Errnos without a specific translation map to ErrDeviceError.
func TranslateErrno(e unix.Errno) tcpip.Error {
	if err, ok := translations[e]; ok {
		return err
	}
	return &tcpip.ErrDeviceError{}
}
