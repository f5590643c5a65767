package server

import (
	"context"
	"net"
	"time"

	"github.com/semihalev/stsmap/netstring"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/time/rate"
)

const (
	// readChunkSize is how much input is read per syscall.
	readChunkSize = 4096

	// pipelineDepth bounds the replies outstanding on one connection, the
	// reader blocks once the client pipelines deeper than this.
	pipelineDepth = 128

	writeTimeout = 5 * time.Second
)

// conn is the per-connection state. The decoder is private to the
// connection, sharing one across connections would corrupt both streams.
type conn struct {
	srv     *Server
	rwc     net.Conn
	dec     *netstring.Decoder
	limiter *rate.Limiter
	cancel  context.CancelFunc
}

// serve runs one connection: the reader loop parses request frames and
// enqueues a reply promise per frame, resolution runs concurrently, the
// sender writes completed replies in the order the requests were parsed.
func (s *Server) serve(rwc net.Conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	defer rwc.Close()

	connectionsActive.Inc()
	defer connectionsActive.Dec()

	c := &conn{
		srv:    s,
		rwc:    rwc,
		dec:    netstring.NewDecoder(s.maxFrame),
		cancel: cancel,
	}

	if s.limits != nil {
		if client, _, err := net.SplitHostPort(rwc.RemoteAddr().String()); err == nil {
			c.limiter = s.limits.get(client)
		}
	}

	replies := make(chan chan []byte, pipelineDepth)
	done := make(chan struct{})

	go c.send(ctx, replies, done)

	buf := make([]byte, readChunkSize)

	for {
		n, err := rwc.Read(buf)

		if n > 0 {
			frames, ferr := c.dec.Feed(buf[:n])

			for _, frame := range frames {
				promise := make(chan []byte, 1)

				select {
				case replies <- promise:
				case <-ctx.Done():
					close(replies)
					<-done
					return
				}

				go c.process(ctx, frame, promise)
			}

			if ferr != nil {
				// Protocol error: answer what was already parsed,
				// then drop the connection.
				zlog.Debug("Connection protocol error", "client", rwc.RemoteAddr().String(), "error", ferr.Error())
				close(replies)
				<-done
				return
			}
		}

		if err != nil {
			cancel()
			close(replies)
			<-done
			return
		}
	}
}

// send drains the reply FIFO in order. Each element is the promise of one
// reply, so the slowest resolution holds back every later reply on the same
// connection, which is exactly the socketmap interleaving contract.
func (c *conn) send(ctx context.Context, replies <-chan chan []byte, done chan<- struct{}) {
	defer close(done)

	for promise := range replies {
		var payload []byte

		select {
		case payload = <-promise:
		case <-ctx.Done():
			return
		}

		c.rwc.SetWriteDeadline(time.Now().Add(writeTimeout))

		if _, err := c.rwc.Write(netstring.Encode(payload)); err != nil {
			zlog.Debug("Reply write failed", "client", c.rwc.RemoteAddr().String(), "error", err.Error())
			c.cancel()
			return
		}
	}
}

// process resolves one request and completes its promise. A panic below the
// request pipeline would break the reply ordering, so the connection is torn
// down instead of guessing.
func (c *conn) process(ctx context.Context, frame []byte, promise chan<- []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			zlog.Error("Recovered in request processing", "recover", rec)
			c.cancel()
		}
	}()

	if ctx.Err() != nil {
		return
	}

	promise <- c.srv.answer(ctx, frame, c.limiter)
}
