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
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/gopkg/concurrency/gopool"
)

// Server owns the control socket's listener and hands every accepted
// connection to its own Session.
type Server struct {
	ln   *net.UnixListener
	lck  *os.File
	pool *gopool.GoPool
	disp Dispatcher
	log  zerolog.Logger
}

// Listen binds the control socket at path, taking the crash-safe bind
// path: an advisory lock on path+".LCK" guards against two managers
// racing to own the same path, and the listening socket itself is
// created under a pid-suffixed name and hard-linked into place (see
// bindSocket) so a half-initialized socket is never visible to clients.
func Listen(path string, disp Dispatcher, log zerolog.Logger) (*Server, error) {
	lck, err := acquireLock(path + ".LCK")
	if err != nil {
		return nil, err
	}

	ln, err := bindSocket(path)
	if err != nil {
		lck.Close()
		return nil, err
	}

	return &Server{
		ln:   ln,
		lck:  lck,
		pool: gopool.NewGoPool("control", nil),
		disp: disp,
		log:  log,
	}, nil
}

// acquireLock opens (creating if needed) the sibling .LCK file and
// takes an exclusive, non-blocking advisory flock on it. Holding the
// fd for the server's lifetime is what makes the lock crash-safe: a
// prior manager's death releases it automatically when its fd table is
// torn down, with no stale-lockfile cleanup required.
func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("control: opening lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("control: another manager already holds %s: %w", path, err)
	}
	return f, nil
}

// bindSocket implements the rename-no-replace bind pattern: bind under
// a private pid-suffixed name, then Link the public path to it. Link
// fails with EEXIST if the public path is already bound; in that case
// probe it with a dial, since a stale socket file left by a crashed
// manager (whose lock we just acquired, so we know it's dead) must be
// unlinked and retried, while a live peer means something else is
// already serving and we must abort.
func bindSocket(path string) (*net.UnixListener, error) {
	private := fmt.Sprintf("%s.%d", path, os.Getpid())
	defer os.Remove(private)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: private, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("control: binding private socket %s: %w", private, err)
	}

	if err := os.Link(private, path); err != nil {
		if !errors.Is(err, os.ErrExist) {
			ln.Close()
			return nil, fmt.Errorf("control: linking %s: %w", path, err)
		}
		if probeLive(path) {
			ln.Close()
			return nil, fmt.Errorf("control: %s is already served by a live peer", path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			ln.Close()
			return nil, fmt.Errorf("control: removing stale socket %s: %w", path, err)
		}
		if err := os.Link(private, path); err != nil {
			ln.Close()
			return nil, fmt.Errorf("control: linking %s after cleanup: %w", path, err)
		}
	}

	return ln, nil
}

// probeLive reports whether some process is actively accepting
// connections on path.
func probeLive(path string) bool {
	c, err := net.DialTimeout("unix", path, 0)
	if err != nil {
		return false
	}
	c.Close()
	return true
}

// Serve accepts connections until the listener is closed, dispatching
// each to its own goroutine so one slow or stuck peer never blocks
// others; this replaces the single-threaded poll() reactor the
// protocol was originally written around.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control: accept: %w", err)
		}
		s.pool.Go(func() {
			NewSession(conn, s.disp, s.log).Serve()
		})
	}
}

// Addr returns the bound socket path.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Close stops accepting new connections and releases the bind lock.
// It does not close sessions already in flight.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.lck.Close()
	return err
}
