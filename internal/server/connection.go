package server

import (
	"errors"
	"log"
	"net"

	"shuffler/internal/shuffleerr"
	"shuffler/internal/wire"
)

// connHandler drives spec.md §4.5's per-connection state machine:
// AwaitOp -> (ReadPayload -> Dispatch -> WriteResponse -> AwaitOp)*,
// with EOS transitioning to Terminating.
type connHandler struct {
	server *Server
	conn   net.Conn
	connID wire.ConnID
}

func (h *connHandler) run() {
	for {
		op, err := wire.ReadOpcode(h.conn)
		if err != nil {
			h.logAndClose("read opcode", err)
			return
		}

		switch op {
		case wire.OpStart:
			if err := h.handleStart(); err != nil {
				h.logAndClose("START", err)
				return
			}
		case wire.OpEOS:
			if err := wire.WriteEOSAck(h.conn); err != nil {
				h.logAndClose("EOS ack", err)
			}
			log.Printf("[Server] conn=%s EOS, closing", h.connID)
			return
		case wire.OpPut, wire.OpGet, wire.OpStop, wire.OpPartitionBounds:
			if err := h.dispatchWithIdentifier(op); err != nil {
				h.logAndClose(opName(op), err)
				return
			}
		default:
			h.logAndClose("opcode", shuffleerr.ErrMalformedRequest)
			return
		}
	}
}

func (h *connHandler) dispatchWithIdentifier(op wire.Opcode) error {
	id, err := wire.ReadIdentifier(h.conn)
	if err != nil {
		return err
	}
	sh, ok := h.server.Registry.Get(id)
	if !ok {
		if op == wire.OpStop {
			// A STOP for an identifier that is no longer registered is
			// acknowledged with no effect, so repeating STOP is safe.
			return wire.WriteAck(h.conn)
		}
		// spec.md §4.5: the protocol lacks a graceful error frame, so
		// an unknown identifier fails this one request by closing the
		// connection; clients retry by reconnecting.
		return shuffleerr.ErrUnknownShuffle
	}
	switch op {
	case wire.OpPut:
		return h.handlePut(sh)
	case wire.OpGet:
		return h.handleGet(sh)
	case wire.OpStop:
		return h.handleStop(id)
	case wire.OpPartitionBounds:
		return h.handlePartitionBounds(sh)
	default:
		return shuffleerr.ErrMalformedRequest
	}
}

func opName(op wire.Opcode) string {
	switch op {
	case wire.OpPut:
		return "PUT"
	case wire.OpGet:
		return "GET"
	case wire.OpStop:
		return "STOP"
	case wire.OpPartitionBounds:
		return "PARTITION_BOUNDS"
	default:
		return "unknown"
	}
}

func (h *connHandler) logAndClose(stage string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, shuffleerr.ErrUnknownShuffle) || errors.Is(err, shuffleerr.ErrShufflePoisoned) {
		log.Printf("[Server] conn=%s %s: %v", h.connID, stage, err)
		return
	}
	log.Printf("[Server] conn=%s %s failed, closing connection: %v", h.connID, stage, err)
}
