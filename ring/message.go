// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ring implements the lock-free, wait-free single-producer
// single-consumer byte ring used to pass typed Messages between the
// manager goroutine and an isolated worker, and the Message framing that
// rides on top of it.
package ring

import "fmt"

// Kind identifies the payload carried by a Message and implies its
// direction: manager->worker or worker->manager.
type Kind uint8

const (
	// None is the zero Kind; never put on the wire deliberately.
	None Kind = iota
	// Init is sent worker->manager once platform.Pin and platform.MLockAll
	// have succeeded and the user init routine is about to run.
	Init
	// StartReady is sent worker->manager once the user init routine has
	// returned; its payload is the worker's OS thread id (gettid).
	StartReady
	// StartLaunch is sent manager->worker to request isolation entry.
	StartLaunch
	// StartLaunchDone is sent worker->manager after platform.SetIsolation(true) succeeds.
	StartLaunchDone
	// StartLaunchFailure is sent worker->manager after platform.SetIsolation(true) fails.
	StartLaunchFailure
	// StartConfirmed is sent manager->worker once no timers remain on the
	// relevant isolation cpus; the worker may now run user code.
	StartConfirmed
	// Terminate is sent manager->worker to request voluntary exit.
	Terminate
	// ExitIsolation is sent manager->worker to request a temporary drop of
	// isolation (e.g. to let a detected timer fire).
	ExitIsolation
	// Exiting is sent worker->manager as the thread is about to return.
	Exiting
	// LeaveIsolation is sent worker->manager (or via Control) to request a
	// voluntary, permanent exit from isolation while the thread keeps running.
	LeaveIsolation
	// OkLeaveIsolation is sent manager->worker acknowledging LeaveIsolation.
	OkLeaveIsolation
	// Ping/Pong are liveness messages, unused by the state machine itself
	// but reserved for external health checks riding the same ring.
	Ping
	Pong
	// Cmd carries a Control-originated command forwarded to a worker.
	Cmd
	// Print carries a pre-formatted log line the worker could not emit
	// itself (isolated threads must not make syscalls); the manager
	// forwards it to its logger.
	Print
)

func (k Kind) String() string {
	switch k {
	case None:
		return "None"
	case Init:
		return "Init"
	case StartReady:
		return "StartReady"
	case StartLaunch:
		return "StartLaunch"
	case StartLaunchDone:
		return "StartLaunchDone"
	case StartLaunchFailure:
		return "StartLaunchFailure"
	case StartConfirmed:
		return "StartConfirmed"
	case Terminate:
		return "Terminate"
	case ExitIsolation:
		return "ExitIsolation"
	case Exiting:
		return "Exiting"
	case LeaveIsolation:
		return "LeaveIsolation"
	case OkLeaveIsolation:
		return "OkLeaveIsolation"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case Cmd:
		return "Cmd"
	case Print:
		return "Print"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

const (
	// headerSize is the on-wire {kind: u8, size: u32 LE} header.
	headerSize = 5
	// MaxMsg is the largest payload a Message may carry, independent of
	// any one Ring's physical capacity.
	MaxMsg = AreaSize - headerSize
)

// Message is a typed record exchanged over a Ring. Payload is opaque
// except for StartReady (an 8-byte little-endian thread id) and Print (a
// UTF-8 log line).
type Message struct {
	Kind    Kind
	Payload []byte
}
