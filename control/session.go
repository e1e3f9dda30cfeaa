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

package control

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/cloudwego/gopkg/bufiox"
)

// AttachResult is returned by Dispatcher.ClaimWorker on a successful
// newtask.
type AttachResult struct {
	Mode  string // "THREAD" or "PROCESS"
	Index int    // populated in thread mode only
	CPU   int
	Token int // opaque handle passed back into TaskIsolFail/TaskIsolFinish
}

// ErrCantAllocate is returned by Dispatcher.ClaimWorker when no free
// isolation cpu matches the request.
var ErrCantAllocate = errors.New("control: can't allocate cpu")

// Dispatcher bridges parsed commands into the same state transitions a
// managed worker drives through its own Ring.
type Dispatcher interface {
	ClaimWorker(cpu, pid, tid int) (AttachResult, error)
	TaskIsolFail(token int) error
	TaskIsolFinish(token int) error
	RequestTerminateAll()
}

// Session serves one accepted connection for its entire lifetime.
type Session struct {
	conn net.Conn
	disp Dispatcher
	log  zerolog.Logger

	attached bool
	token    int
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, disp Dispatcher, log zerolog.Logger) *Session {
	return &Session{conn: conn, disp: disp, log: log}
}

// Serve runs the session's read-dispatch-reply loop until the peer
// disconnects, sends quit/terminate, or an unrecoverable IO error
// occurs. It always leaves the attached worker (if any) in the same
// state a taskisolfinish would: client disconnect is indistinguishable
// from taskisolfinish for lifecycle purposes.
func (s *Session) Serve() {
	defer s.conn.Close()
	defer s.detach()

	reader := bufiox.NewDefaultReader(s.conn)
	writer := bufiox.NewDefaultWriter(s.conn)

	s.reply(writer, Simple(220, "isold ready"))

	sc := bufio.NewScanner(reader)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)

	for {
		line, ok := readLine(sc)
		if !ok {
			return
		}
		req := ParseRequest(line)
		resp, done := s.handle(req)
		s.reply(writer, resp)
		if done {
			return
		}
	}
}

func (s *Session) detach() {
	if !s.attached {
		return
	}
	if err := s.disp.TaskIsolFinish(s.token); err != nil {
		s.log.Warn().Err(err).Int("token", s.token).Msg("control: detach on disconnect failed")
	}
	s.attached = false
}

func (s *Session) reply(w bufiox.Writer, resp Response) {
	if _, err := w.WriteBinary(resp.Render()); err != nil {
		s.log.Debug().Err(err).Msg("control: write failed")
		return
	}
	if err := w.Flush(); err != nil {
		s.log.Debug().Err(err).Msg("control: flush failed")
	}
}

// handle dispatches one request, returning the response to send and
// whether the session should close after sending it.
func (s *Session) handle(req Request) (Response, bool) {
	switch req.Command {
	case "quit":
		return Simple(221, "End of session"), true

	case "terminate":
		s.disp.RequestTerminateAll()
		return Response{Code: 221, Lines: []string{"Terminating", "Bye"}}, true

	case "newtask":
		if s.attached {
			return Simple(500, "Already connected."), false
		}
		cpu, pid, tid, err := ParseNewTaskArgs(req.Args)
		if err != nil {
			return Simple(500, "Invalid command."), false
		}
		res, err := s.disp.ClaimWorker(cpu, pid, tid)
		if err != nil {
			return Simple(500, "Can't allocate CPU."), false
		}
		s.attached = true
		s.token = res.Token
		lines := []string{fmt.Sprintf("MODE=%s", res.Mode)}
		if res.Mode == "THREAD" {
			lines = append(lines, fmt.Sprintf("INDEX=%d", res.Index))
		}
		lines = append(lines, fmt.Sprintf("CPU=%d", res.CPU), "OK")
		return Response{Code: 200, Lines: lines}, false

	case "taskisolfail":
		if !s.attached {
			return Simple(500, "No task connected."), false
		}
		if err := s.disp.TaskIsolFail(s.token); err != nil {
			s.log.Warn().Err(err).Msg("control: taskisolfail dispatch failed")
		}
		return Simple(220, "Ok"), false

	case "taskisolfinish":
		if !s.attached {
			return Simple(500, "No task connected."), false
		}
		if err := s.disp.TaskIsolFinish(s.token); err != nil {
			s.log.Warn().Err(err).Msg("control: taskisolfinish dispatch failed")
		}
		s.attached = false
		return Simple(220, "Ok"), false

	default:
		return Simple(500, "Invalid command."), false
	}
}

var _ io.Closer = (net.Conn)(nil)
