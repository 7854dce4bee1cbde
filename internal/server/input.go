package server

import (
	"context"
	"errors"
	"net"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/coffersTech/hilogd/internal/codec"
	"github.com/coffersTech/hilogd/internal/collector"
)

// DefaultInputSocket is where producers send records.
const DefaultInputSocket = "/dev/unix/socket/hilogInput"

// InputServer receives record datagrams together with the sender's
// credentials and hands them to the collector.
type InputServer struct {
	path      string
	collector *collector.Collector
	log       zerolog.Logger
	conn      *net.UnixConn
}

// NewInputServer prepares the datagram socket at path.
func NewInputServer(path string, c *collector.Collector, log zerolog.Logger) *InputServer {
	if path == "" {
		path = DefaultInputSocket
	}
	return &InputServer{
		path:      path,
		collector: c,
		log:       log.With().Str("component", "input").Str("socket", path).Logger(),
	}
}

// Listen binds the socket and enables SO_PASSCRED.
func (s *InputServer) Listen() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: s.path, Net: "unixgram"})
	if err != nil {
		return err
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		conn.Close()
		return err
	}
	if serr != nil {
		conn.Close()
		return serr
	}
	if err := os.Chmod(s.path, 0666); err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	return nil
}

// Serve reads datagrams until the socket is closed.
func (s *InputServer) Serve(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("input server: Serve called before Listen")
	}
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, codec.MaxRecordSize+1)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))
	for {
		n, oobn, _, _, err := s.conn.ReadMsgUnix(buf, oob)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("receive")
			continue
		}
		cred := parseCred(oob[:oobn])
		if err := s.collector.OnDataReceived(cred, buf[:n]); err != nil {
			s.log.Debug().Err(err).Int("bytes", n).Msg("packet dropped")
		}
	}
}

// Close closes the socket.
func (s *InputServer) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

func parseCred(oob []byte) *collector.Cred {
	if len(oob) == 0 {
		return nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	for i := range msgs {
		if uc, err := unix.ParseUnixCredentials(&msgs[i]); err == nil {
			return &collector.Cred{PID: uint32(uc.Pid), UID: uc.Uid, GID: uc.Gid}
		}
	}
	return nil
}
