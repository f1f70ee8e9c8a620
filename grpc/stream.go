package grpc

import (
	"context"
	"sync"

	x402 "github.com/becomeliminal/grpc-gateway-zkx402"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// StreamServerInterceptor creates a gRPC stream server interceptor that enforces x402 payments
// Payment is verified before the stream begins. Everything the handler
// sends is held until the stream is settled, then replayed in order; a
// failed settlement drops it and the call ends with RESOURCE_EXHAUSTED.
//
// RecvMsg is not held, so client-streaming methods work. A bidirectional
// handler that waits for the client to answer one of its messages blocks
// forever, because the client never sees that message: do not gate such
// methods.
func StreamServerInterceptor(cfg x402.Config) grpc.StreamServerInterceptor {
	g := newGate(cfg)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		auth, err := g.authorize(ss.Context(), info.FullMethod)
		if err != nil {
			return err
		}
		if auth == nil {
			// No payment required, proceed normally
			return handler(srv, ss)
		}

		wrappedStream := &paymentServerStream{
			ServerStream: ss,
			ctx:          auth.context(ss.Context()),
		}

		if err := handler(srv, wrappedStream); err != nil {
			// not settled: the caller is not charged for a failed call
			if releaseErr := wrappedStream.release(); releaseErr != nil {
				auth.logger.Warn("failed to flush stream after handler error", "error", releaseErr)
			}
			return err
		}

		trailer, err := g.settle(ss.Context(), auth)
		if trailer != nil {
			ss.SetTrailer(trailer)
		}
		if err != nil {
			wrappedStream.discard()
			return err
		}

		return wrappedStream.release()
	}
}

type streamOpKind int

const (
	streamOpSetHeader streamOpKind = iota
	streamOpSendHeader
	streamOpSendMsg
)

type streamOp struct {
	kind streamOpKind
	md   metadata.MD
	msg  interface{}
}

// paymentServerStream wraps grpc.ServerStream to provide the payment
// context and to hold outgoing headers and messages until settlement
type paymentServerStream struct {
	grpc.ServerStream
	ctx context.Context

	mu       sync.Mutex
	ops      []streamOp
	released bool
	dropped  bool
}

// Context returns the wrapped context with payment information
func (s *paymentServerStream) Context() context.Context {
	return s.ctx
}

func (s *paymentServerStream) SetHeader(md metadata.MD) error {
	return s.hold(streamOp{kind: streamOpSetHeader, md: md})
}

func (s *paymentServerStream) SendHeader(md metadata.MD) error {
	return s.hold(streamOp{kind: streamOpSendHeader, md: md})
}

func (s *paymentServerStream) SendMsg(m interface{}) error {
	return s.hold(streamOp{kind: streamOpSendMsg, msg: m})
}

func (s *paymentServerStream) hold(op streamOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return s.apply(op)
	}
	if s.dropped {
		return nil
	}
	s.ops = append(s.ops, op)
	return nil
}

func (s *paymentServerStream) apply(op streamOp) error {
	switch op.kind {
	case streamOpSetHeader:
		return s.ServerStream.SetHeader(op.md)
	case streamOpSendHeader:
		return s.ServerStream.SendHeader(op.md)
	default:
		return s.ServerStream.SendMsg(op.msg)
	}
}

// release replays the held operations in order and stops at the first error.
func (s *paymentServerStream) release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.dropped {
		return nil
	}
	s.released = true

	ops := s.ops
	s.ops = nil
	for _, op := range ops {
		if err := s.apply(op); err != nil {
			return err
		}
	}
	return nil
}

// discard drops the held operations.
func (s *paymentServerStream) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = true
	s.ops = nil
}
