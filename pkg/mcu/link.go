// Package mcu carries framed messages between the host and one MCU.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package mcu

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"klipper-analog-probe/pkg/log"
	"klipper-analog-probe/pkg/pool"
	"klipper-analog-probe/pkg/protocol"
)

var ErrLinkClosed = errors.New("mcu: link closed")

// Message is a decoded inbound message.
type Message struct {
	*protocol.Message
	ReceiveTime time.Time
}

// MessageHandler receives every decoded inbound message, in order, on
// the read goroutine. It must not block.
type MessageHandler func(msg *Message)

// Link frames outgoing payloads into message blocks and decodes
// incoming blocks against the MCU dictionary.
type Link struct {
	port    io.ReadWriteCloser
	formats *protocol.Formats
	log     *log.Logger

	writeMu sync.Mutex
	seq     int

	handler MessageHandler
	polling bool
	closed  atomic.Bool
	wg      sync.WaitGroup
	done    chan struct{}

	badBlocks atomic.Uint64
}

// NewLink wraps port. Call OnMessage then Start.
func NewLink(port io.ReadWriteCloser, formats *protocol.Formats) *Link {
	return &Link{
		port:    port,
		formats: formats,
		log:     log.GetLogger("mcu"),
		handler: func(*Message) {},
		done:    make(chan struct{}),
	}
}

// OnMessage sets the inbound handler. It must be called before Start.
func (l *Link) OnMessage(h MessageHandler) {
	l.handler = h
}

// SetPolling marks the port as one whose reads time out with (0, io.EOF),
// as a serial port opened with a ReadTimeout does. Such reads are retried
// instead of ending the link.
func (l *Link) SetPolling(polling bool) {
	l.polling = polling
}

// Formats returns the dictionary formats the link decodes with.
func (l *Link) Formats() *protocol.Formats {
	return l.formats
}

// Start launches the read goroutine.
func (l *Link) Start() {
	l.wg.Add(1)
	go l.readLoop()
}

// Send writes one payload as a message block.
func (l *Link) Send(payload []byte) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if len(payload) > protocol.MESSAGE_PAYLOAD_MAX {
		return fmt.Errorf("mcu: payload of %d bytes exceeds block size", len(payload))
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	bp := pool.GetBytes()
	defer pool.PutBytes(bp)
	*bp = protocol.AppendMsgblock(*bp, l.seq, payload)
	l.seq = (l.seq + 1) & protocol.MESSAGE_SEQ_MASK
	if _, err := l.port.Write(*bp); err != nil {
		return fmt.Errorf("mcu: write: %w", err)
	}
	return nil
}

// Close closes the port and waits for the read goroutine.
func (l *Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	err := l.port.Close()
	l.wg.Wait()
	return err
}

// BadBlocks returns how many corrupt blocks were skipped.
func (l *Link) BadBlocks() uint64 {
	return l.badBlocks.Load()
}

// Done is closed when the read goroutine stops, after Close or when the
// port fails.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	defer close(l.done)

	readBuf := make([]byte, 4096)
	var pending []byte
	for {
		n, err := l.port.Read(readBuf)
		if n > 0 {
			pending = l.consume(append(pending, readBuf[:n]...))
		}
		if l.closed.Load() {
			return
		}
		if err == nil || (l.polling && errors.Is(err, io.EOF)) {
			continue
		}
		if errors.Is(err, io.EOF) {
			l.log.Warn("MCU closed the link")
		} else {
			l.log.WithError(err).Error("read failed, link stopped")
		}
		return
	}
}

// consume dispatches every complete block in buf and returns the rest.
func (l *Link) consume(buf []byte) []byte {
	for len(buf) > 0 {
		n := protocol.CheckMsgblock(buf)
		if n == 0 {
			break
		}
		if n < 0 {
			l.badBlocks.Add(1)
			buf = protocol.Resync(buf)
			continue
		}
		l.dispatch(protocol.MsgblockPayload(buf[:n]))
		buf = buf[n:]
	}
	// keep the tail but not the backing array of consumed blocks
	return append([]byte(nil), buf...)
}

func (l *Link) dispatch(payload []byte) {
	if len(payload) == 0 {
		return // ack
	}
	now := time.Now()
	msgs, err := l.formats.DecodePayload(payload)
	for _, m := range msgs {
		l.handler(&Message{Message: m, ReceiveTime: now})
	}
	if err != nil {
		l.log.WithError(err).Warn("undecodable message dropped")
	}
}
