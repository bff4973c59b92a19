package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/mirkobrombin/go-latch/v1/presets"
)

type server struct {
	locks *presets.Locks
}

func newServer(locks *presets.Locks) *server {
	return &server{locks: locks}
}

// serve accepts connections until the listener is closed.
func (s *server) serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			log.Printf("failed to accept: %v", err)
			continue
		}
		go s.handle(conn)
	}
}

func (s *server) handle(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	respReader := NewRESPReader(reader)
	respWriter := NewRESPWriter(bufio.NewWriter(conn))

	for {
		args, err := respReader.ReadCommand()
		if err != nil {
			if err != io.EOF {
				log.Printf("read error: %v", err)
			}
			return
		}
		s.execute(respWriter, args)

		// Answer pipelined commands in one flush.
		for reader.Buffered() > 0 {
			args, err := respReader.ReadCommand()
			if err != nil {
				respWriter.Flush()
				return
			}
			s.execute(respWriter, args)
		}

		if err := respWriter.Flush(); err != nil {
			return
		}
	}
}

// arity is the number of arguments after the command name.
var arity = map[string][2]int{
	"LOCK":        {2, 3},
	"LOCKWAIT":    {4, 4},
	"UNLOCK":      {2, 2},
	"HELD":        {2, 2},
	"SEMACQUIRE":  {4, 4},
	"SEMRELEASE":  {3, 3},
	"SEMCAPACITY": {1, 2},
}

func (s *server) execute(w *RESPWriter, args [][]byte) {
	if len(args) == 0 {
		return
	}
	cmd := strings.ToUpper(string(args[0]))
	if n, ok := arity[cmd]; ok && (len(args)-1 < n[0] || len(args)-1 > n[1]) {
		w.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd)))
		return
	}

	ctx := context.Background()
	var err error
	switch cmd {
	case "PING":
		if len(args) > 1 {
			w.WriteBulk(args[1])
		} else {
			w.WriteSimpleString("PONG")
		}
	case "LOCK":
		ttl := time.Duration(0)
		if len(args) == 4 {
			ttl, err = millis(args[3])
		}
		if err == nil {
			err = s.lock(ctx, w, string(args[1]), string(args[2]), ttl)
		}
	case "LOCKWAIT":
		var ttl, timeout time.Duration
		if ttl, err = millis(args[3]); err == nil {
			if timeout, err = millis(args[4]); err == nil {
				err = s.lockWait(ctx, w, string(args[1]), string(args[2]), ttl, timeout)
			}
		}
	case "UNLOCK":
		err = s.unlock(ctx, w, string(args[1]), string(args[2]))
	case "HELD":
		err = s.held(ctx, w, string(args[1]), string(args[2]))
	case "SEMACQUIRE":
		var n int
		var ttl time.Duration
		if n, err = strconv.Atoi(string(args[3])); err == nil {
			if ttl, err = millis(args[4]); err == nil {
				err = s.semAcquire(ctx, w, string(args[1]), string(args[2]), n, ttl)
			}
		}
	case "SEMRELEASE":
		var remaining int
		if remaining, err = strconv.Atoi(string(args[3])); err == nil {
			err = s.semRelease(ctx, w, string(args[1]), string(args[2]), remaining)
		}
	case "SEMCAPACITY":
		err = s.semCapacity(ctx, w, string(args[1]), args[2:])
	case "COMMAND", "CLIENT":
		w.WriteSimpleString("OK")
	case "INFO":
		w.WriteBulk([]byte("# Server\r\nlatch_version:1.0.0\r\n"))
	default:
		w.WriteError(fmt.Sprintf("ERR unknown command '%s'", cmd))
	}
	if err != nil {
		w.WriteError("ERR " + err.Error())
	}
}

func millis(b []byte) (time.Duration, error) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid milliseconds %q", b)
	}
	return time.Duration(n) * time.Millisecond, nil
}

func writeBool(w *RESPWriter, ok bool) {
	if ok {
		w.WriteInt(1)
	} else {
		w.WriteInt(0)
	}
}

// lock replies +OK when the lease was taken and a null bulk when another
// owner holds it.
func (s *server) lock(ctx context.Context, w *RESPWriter, name, owner string, ttl time.Duration) error {
	l, err := s.locks.FileLocks.Get(name)
	if err != nil {
		return err
	}
	h, err := l.CreateOwned(owner)
	if err != nil {
		return err
	}
	if ttl == 0 {
		ttl = l.TTL()
	}
	ok, err := h.TryAcquireTTL(ctx, ttl)
	if err != nil {
		return err
	}
	if ok {
		w.WriteSimpleString("OK")
	} else {
		w.WriteNull()
	}
	return nil
}

func (s *server) lockWait(ctx context.Context, w *RESPWriter, name, owner string, ttl, timeout time.Duration) error {
	l, err := s.locks.FileLocks.Get(name)
	if err != nil {
		return err
	}
	h, err := l.CreateOwned(owner)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = h.AcquireTTL(ctx, ttl)
	if errors.Is(err, context.DeadlineExceeded) {
		w.WriteNull()
		return nil
	}
	if err != nil {
		return err
	}
	w.WriteSimpleString("OK")
	return nil
}

func (s *server) unlock(ctx context.Context, w *RESPWriter, name, owner string) error {
	l, err := s.locks.FileLocks.Get(name)
	if err != nil {
		return err
	}
	h, err := l.CreateOwned(owner)
	if err != nil {
		return err
	}
	held, err := h.Held(ctx)
	if err != nil {
		return err
	}
	if held {
		if err := h.Release(ctx); err != nil {
			return err
		}
	}
	writeBool(w, held)
	return nil
}

func (s *server) held(ctx context.Context, w *RESPWriter, name, owner string) error {
	l, err := s.locks.FileLocks.Get(name)
	if err != nil {
		return err
	}
	h, err := l.CreateOwned(owner)
	if err != nil {
		return err
	}
	held, err := h.Held(ctx)
	if err != nil {
		return err
	}
	writeBool(w, held)
	return nil
}

func (s *server) semAcquire(ctx context.Context, w *RESPWriter, name, owner string, n int, ttl time.Duration) error {
	sem, err := s.locks.FileSemaphores.Get(name)
	if err != nil {
		return err
	}
	h, err := sem.CreateOwned(owner)
	if err != nil {
		return err
	}
	ok, err := h.TryAcquireNTTL(ctx, n, ttl)
	if err != nil {
		return err
	}
	if ok {
		w.WriteSimpleString("OK")
	} else {
		w.WriteNull()
	}
	return nil
}

func (s *server) semRelease(ctx context.Context, w *RESPWriter, name, owner string, remaining int) error {
	sem, err := s.locks.FileSemaphores.Get(name)
	if err != nil {
		return err
	}
	h, err := sem.CreateOwned(owner)
	if err != nil {
		return err
	}
	if err := h.ReleaseTo(ctx, remaining); err != nil {
		return err
	}
	w.WriteSimpleString("OK")
	return nil
}

func (s *server) semCapacity(ctx context.Context, w *RESPWriter, name string, rest [][]byte) error {
	if len(rest) == 1 {
		n, err := strconv.Atoi(string(rest[0]))
		if err != nil {
			return err
		}
		if err := s.locks.FileSemaphores.SetCapacity(ctx, name, n); err != nil {
			return err
		}
		w.WriteSimpleString("OK")
		return nil
	}
	sem, err := s.locks.FileSemaphores.Get(name)
	if err != nil {
		return err
	}
	n, err := sem.Capacity(ctx)
	if err != nil {
		return err
	}
	w.WriteInt(int64(n))
	return nil
}
