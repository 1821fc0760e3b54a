// Package client implements spec.md §4.6: a typed API over a single
// reconnectable connection to the shuffle server, replacing
// exception-driven reconnect control flow with an explicit
// {OK, TransientIO, Fatal} outcome and a state machine around each
// retryable operation (spec.md §9).
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"shuffler/internal/codec"
	"shuffler/internal/shuffleerr"
	"shuffler/internal/transport"
	"shuffler/internal/wire"
)

// Client drives the shuffle protocol for one shuffle over a connection
// it reconnects transparently on transient failure.
type Client struct {
	cfg transport.Config

	conn   net.Conn
	connID wire.ConnID

	started bool
	id      wire.ShuffleID
	codec   *codec.Codec
	desc    codec.Descriptor

	pending []codec.Row
	bo      *backoff
}

// New returns a Client configured to reach the server described by cfg.
// It does not dial until Start is called.
func New(cfg transport.Config) *Client {
	return &Client{cfg: cfg, bo: newBackoff()}
}

// Start issues START and is NOT retried: if the server allocated a
// shuffle and the response was merely lost, retrying would allocate a
// second one (spec.md §4.6). A failed START surfaces immediately.
func (c *Client) Start(ctx context.Context, desc codec.Descriptor) error {
	cd, err := codec.New(desc)
	if err != nil {
		return err
	}

	conn, connID, err := transport.Dial(ctx, c.cfg)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	if err := wire.WriteOpcode(conn, wire.OpStart); err != nil {
		conn.Close()
		return err
	}
	if err := wire.WriteDescriptor(conn, desc); err != nil {
		conn.Close()
		return err
	}
	id, err := wire.ReadIdentifier(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.conn, c.connID = conn, connID
	c.id, c.codec, c.desc = id, cd, desc
	c.started = true
	return nil
}

// PutRow buffers one row for the next EndPut call. It performs no wire
// traffic (spec.md §4.6: "PUT is sent as a byte-at-a-time continue flag
// so the server can stream-decode without buffering the whole batch" --
// the batching happens client-side, between PutRow calls and EndPut).
func (c *Client) PutRow(row codec.Row) {
	c.pending = append(c.pending, row)
}

// EndPut flushes every row buffered since the last EndPut as a single
// PUT request and waits for the server's acknowledgement before
// considering the batch durable (spec.md §4.6). It retries the whole
// batch on transient disconnect.
func (c *Client) EndPut(ctx context.Context) error {
	rows := c.pending
	c.pending = nil
	if len(rows) == 0 {
		return nil
	}
	return c.retry(ctx, func(conn net.Conn) error {
		if err := wire.WriteOpcode(conn, wire.OpPut); err != nil {
			return err
		}
		if err := wire.WriteIdentifier(conn, c.id); err != nil {
			return err
		}
		for _, row := range rows {
			b, err := c.codec.EncodeRow(row)
			if err != nil {
				return shuffleerr.ErrMalformedRecord
			}
			if err := wire.WritePutRecord(conn, b); err != nil {
				return err
			}
		}
		if err := wire.WritePutEnd(conn); err != nil {
			return err
		}
		return wire.ReadAck(conn)
	})
}

// Get issues GET over [start,end] (subject to the inclusivity flags)
// and returns the decoded rows in ascending key order
// (spec.md §4.3, §4.6). It retries the whole request on transient
// disconnect; property 6 of spec.md §8 is exactly this path.
func (c *Client) Get(ctx context.Context, start []byte, startIncl bool, end []byte, endIncl bool) ([]codec.Row, error) {
	var rows []codec.Row
	err := c.retry(ctx, func(conn net.Conn) error {
		rows = nil
		if err := wire.WriteOpcode(conn, wire.OpGet); err != nil {
			return err
		}
		if err := wire.WriteIdentifier(conn, c.id); err != nil {
			return err
		}
		if err := wire.WriteGetRequest(conn, start, startIncl, end, endIncl); err != nil {
			return err
		}
		for {
			payload, ok, err := wire.ReadStreamStep(conn)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			row, err := c.codec.DecodeRow(payload)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// PartitionBounds issues PARTITION_BOUNDS and returns the n+1 raw
// encoded boundary keys (or nil if n is 0). Boundaries are returned as
// opaque encoded keys -- their purpose is to be fed straight back into
// Get calls as range endpoints (spec.md §2's data flow).
func (c *Client) PartitionBounds(ctx context.Context, n uint32) ([][]byte, error) {
	var bounds [][]byte
	err := c.retry(ctx, func(conn net.Conn) error {
		bounds = nil
		if err := wire.WriteOpcode(conn, wire.OpPartitionBounds); err != nil {
			return err
		}
		if err := wire.WriteIdentifier(conn, c.id); err != nil {
			return err
		}
		if err := wire.WriteBoundsRequest(conn, n); err != nil {
			return err
		}
		for {
			payload, ok, err := wire.ReadStreamStep(conn)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			bounds = append(bounds, payload)
		}
		return nil
	})
	return bounds, err
}

// Stop issues STOP to release the shuffle's resources server-side. A
// second Stop for the same shuffle is safe: the server acknowledges a
// STOP for an identifier it no longer holds without doing anything, so
// Stop returns nil (spec.md §8's "idempotent STOP"). An
// ErrUnknownShuffle result is also treated as already-done.
func (c *Client) Stop(ctx context.Context) error {
	err := c.retry(ctx, func(conn net.Conn) error {
		if err := wire.WriteOpcode(conn, wire.OpStop); err != nil {
			return err
		}
		if err := wire.WriteIdentifier(conn, c.id); err != nil {
			return err
		}
		return wire.ReadAck(conn)
	})
	if errors.Is(err, shuffleerr.ErrUnknownShuffle) {
		return nil
	}
	return err
}

// Close sends EOS and closes the underlying connection. It is not
// retried: there is nothing useful to retry when the intent is to stop
// talking to the server.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	defer func() {
		c.conn.Close()
		c.conn = nil
	}()
	if err := wire.WriteOpcode(c.conn, wire.OpEOS); err != nil {
		return err
	}
	return wire.ReadEOSAck(c.conn)
}

// retry runs op against the client's current connection, reconnecting
// with bounded exponential backoff on transient I/O errors and
// returning immediately on fatal (application-level) errors, per
// spec.md §9's explicit result discriminator replacing exception-driven
// reconnect control flow.
func (c *Client) retry(ctx context.Context, op func(conn net.Conn) error) error {
	for {
		if c.conn == nil {
			if err := c.reconnect(ctx); err != nil {
				return err
			}
		}
		err := op(c.conn)
		switch classify(err) {
		case shuffleerr.OK:
			c.bo.reset()
			return nil
		case shuffleerr.Fatal:
			return err
		default: // TransientIO
			log.Printf("[Client] transient error, reconnecting: %v", err)
			c.conn.Close()
			c.conn = nil
			if err := waitBackoff(ctx, c.bo.next()); err != nil {
				return err
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	if !c.started {
		return fmt.Errorf("client: Start must succeed before any other operation")
	}
	conn, connID, err := transport.Dial(ctx, c.cfg)
	if err != nil {
		return err
	}
	c.conn, c.connID = conn, connID
	return nil
}

func waitBackoff(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classify turns an operation error into the retry discriminator.
// Application-level sentinel errors are fatal; everything else
// (connection resets, EOF, truncated reads) is treated as a transient
// transport failure worth reconnecting for.
func classify(err error) shuffleerr.Outcome {
	if err == nil {
		return shuffleerr.OK
	}
	if errors.Is(err, shuffleerr.ErrUnknownShuffle) ||
		errors.Is(err, shuffleerr.ErrMalformedRequest) ||
		errors.Is(err, shuffleerr.ErrMalformedRecord) ||
		errors.Is(err, shuffleerr.ErrTypeMismatch) ||
		errors.Is(err, shuffleerr.ErrShufflePoisoned) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return shuffleerr.Fatal
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, shuffleerr.ErrTruncated) {
		return shuffleerr.TransientIO
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return shuffleerr.TransientIO
	}
	// Default to transient: an unrecognized error from a socket
	// operation is far more likely to be a connection problem than a
	// new application-level error kind we forgot to classify.
	return shuffleerr.TransientIO
}
