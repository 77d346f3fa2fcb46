package messaging

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/offworldlab/3lips/internal/monitoring"
)

// maxPayloadBytes bounds a single request so a malformed length prefix can
// never force an unbounded allocation.
const maxPayloadBytes = 1 << 20

// Server is the single listening socket of §4.8: it accepts a
// length-prefixed query-config payload (the string form of the original
// HTTP query string) and replies with the current JSON reply for that
// config's hash, refreshing or inserting the QueryConfig as a side effect.
type Server struct {
	Addr  string
	Store *Store

	listener net.Listener
}

// NewServer returns a Server bound to addr, using store as the shared
// QueryConfig/reply state.
func NewServer(addr string, store *Store) *Server {
	return &Server{Addr: addr, Store: store}
}

// Start listens on Addr and serves connections until ctx is cancelled or an
// unrecoverable listen error occurs. Each connection is handled in its own
// goroutine; individual connection errors never stop the server.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	monitoring.Logf("messaging: listening on %s", s.Addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			monitoring.Logf("messaging: accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(1 * time.Second))

	payload, err := readFrame(conn)
	if err != nil {
		monitoring.Logf("messaging: reading request: %v", err)
		return
	}

	cfg, err := s.Store.Upsert(string(payload), time.Now())
	if err != nil {
		writeFrame(conn, mustJSON(ErrorReply{Error: err.Error(), Request: string(payload)}))
		return
	}

	reply, ok := s.Store.GetReply(cfg.Hash)
	if !ok {
		reply = Reply{Hash: cfg.Hash, Server: cfg.Servers, Associator: cfg.Associator, Localisation: cfg.Localisation, Adsb: cfg.Adsb}
	}

	if err := writeFrame(conn, mustJSON(reply)); err != nil {
		monitoring.Logf("messaging: writing reply: %v", err)
	}
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		monitoring.Logf("messaging: marshalling reply: %v", err)
		return []byte(`{"error":"internal marshalling failure"}`)
	}
	return b
}

// readFrame reads a 4-byte big-endian length prefix followed by that many
// payload bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxPayloadBytes {
		return nil, io.ErrShortBuffer
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
