// Package fabric wraps the ZeroMQ sockets the system communicates over:
// request/reply for registration, user requests, and liveness probes,
// push/pull for position and heartbeat fan-in, pub/sub for assignment
// broadcasts.
//
// Sockets are scoped to a context; closing the socket (or cancelling the
// context) unblocks any pending Recv, which is how worker loops observe the
// process-wide stop signal without unbounded blocking.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ErrTimeout is returned by RoundTrip when no reply arrives in time.
var ErrTimeout = errors.New("request timed out")

// Endpoint formats a tcp dial endpoint.
func Endpoint(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// BindEndpoint formats a tcp listen endpoint on all interfaces. Port 0
// binds an ephemeral port; use Addr to recover it.
func BindEndpoint(port int) string {
	return fmt.Sprintf("tcp://0.0.0.0:%d", port)
}

// Addr returns the bound address of a listening socket as host:port.
func Addr(sock zmq4.Socket) string {
	if a := sock.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// ListenRep binds a reply socket.
func ListenRep(ctx context.Context, ep string) (zmq4.Socket, error) {
	sock := zmq4.NewRep(ctx)
	if err := sock.Listen(ep); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("bind rep %s: %w", ep, err)
	}
	return sock, nil
}

// ListenPull binds a pull socket for fire-and-forget fan-in.
func ListenPull(ctx context.Context, ep string) (zmq4.Socket, error) {
	sock := zmq4.NewPull(ctx)
	if err := sock.Listen(ep); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("bind pull %s: %w", ep, err)
	}
	return sock, nil
}

// ListenPub binds a publish socket for topic broadcasts.
func ListenPub(ctx context.Context, ep string) (zmq4.Socket, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(ep); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("bind pub %s: %w", ep, err)
	}
	return sock, nil
}

// DialPush connects a push socket. The socket reconnects automatically so a
// dispatcher restart does not wedge the sender.
func DialPush(ctx context.Context, ep string) (zmq4.Socket, error) {
	sock := zmq4.NewPush(ctx, zmq4.WithAutomaticReconnect(true))
	if err := sock.Dial(ep); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("dial push %s: %w", ep, err)
	}
	return sock, nil
}

// DialSub connects a subscribe socket filtered to the given topics.
func DialSub(ctx context.Context, ep string, topics ...string) (zmq4.Socket, error) {
	sock := zmq4.NewSub(ctx, zmq4.WithAutomaticReconnect(true))
	if err := sock.Dial(ep); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("dial sub %s: %w", ep, err)
	}
	for _, topic := range topics {
		if err := sock.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("subscribe %q on %s: %w", topic, ep, err)
		}
	}
	return sock, nil
}

// RecvString blocks until a frame arrives or the socket is closed.
func RecvString(sock zmq4.Socket) (string, error) {
	msg, err := sock.Recv()
	if err != nil {
		return "", err
	}
	return string(msg.Bytes()), nil
}

// SendString sends a single-frame message.
func SendString(sock zmq4.Socket, s string) error {
	return sock.Send(zmq4.NewMsgString(s))
}

// RoundTrip performs one synchronous request over a fresh REQ socket and
// waits up to timeout for the reply. A REQ socket that timed out mid-cycle
// is unusable, so the socket is always discarded; callers issue each
// request through a new RoundTrip.
func RoundTrip(ctx context.Context, ep, req string, timeout time.Duration) (string, error) {
	rtCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sock := zmq4.NewReq(rtCtx, zmq4.WithDialerRetry(100*time.Millisecond))
	defer sock.Close()

	if err := sock.Dial(ep); err != nil {
		return "", fmt.Errorf("dial req %s: %w", ep, err)
	}
	if err := sock.Send(zmq4.NewMsgString(req)); err != nil {
		return "", fmt.Errorf("send request to %s: %w", ep, err)
	}

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := sock.Recv()
		done <- result{reply: string(msg.Bytes()), err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("receive reply from %s: %w", ep, res.err)
		}
		return res.reply, nil
	case <-rtCtx.Done():
		// Close unblocks the pending Recv before the goroutine leaks.
		_ = sock.Close()
		<-done
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s", ErrTimeout, ep)
	}
}
