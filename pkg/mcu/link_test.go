// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mcu

import (
	"net"
	"testing"
	"time"

	"klipper-analog-probe/pkg/protocol"
)

func testFormats(t *testing.T) *protocol.Formats {
	t.Helper()
	d := protocol.BuildDictionary(protocol.ProbeDescriptors(), 10, []string{"PA0"}, 16e6)
	f, err := d.BuildFormats()
	if err != nil {
		t.Fatalf("BuildFormats: %v", err)
	}
	return f
}

func activeBlock(t *testing.T, f *protocol.Formats, seq int, oid, active int32) []byte {
	t.Helper()
	payload, err := f.Responses["analog_probe_active"].Encode([]int32{oid, active})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return protocol.EncodeMsgblock(seq, payload)
}

func startLink(t *testing.T) (*Link, net.Conn, chan *Message) {
	t.Helper()
	host, mcu := net.Pipe()
	l := NewLink(host, testFormats(t))
	got := make(chan *Message, 16)
	l.OnMessage(func(m *Message) { got <- m })
	l.Start()
	t.Cleanup(func() {
		l.Close()
		mcu.Close()
	})
	return l, mcu, got
}

func recv(t *testing.T, got chan *Message) *Message {
	t.Helper()
	select {
	case m := <-got:
		return m
	case <-time.After(time.Second):
		t.Fatalf("no message delivered")
		return nil
	}
}

func TestLinkDecodesBlocks(t *testing.T) {
	l, mcu, got := startLink(t)

	var stream []byte
	stream = append(stream, activeBlock(t, l.Formats(), 1, 3, 1)...)
	stream = append(stream, protocol.EncodeMsgblock(2, nil)...) // ack
	stream = append(stream, activeBlock(t, l.Formats(), 3, 3, 0)...)
	go mcu.Write(stream)

	m := recv(t, got)
	if m.Name() != "analog_probe_active" || m.OID() != 3 {
		t.Errorf("first message = %s oid %d, want analog_probe_active oid 3", m.Name(), m.OID())
	}
	if v, _ := m.Arg("active"); v != 1 {
		t.Errorf("active = %d, want 1", v)
	}
	m = recv(t, got)
	if v, _ := m.Arg("active"); v != 0 {
		t.Errorf("second active = %d, want 0", v)
	}
}

func TestLinkResyncsAfterGarbage(t *testing.T) {
	l, mcu, got := startLink(t)

	bad := activeBlock(t, l.Formats(), 1, 3, 1)
	bad[len(bad)-2] ^= 0xff // corrupt crc
	stream := append([]byte{0x01, 0x02}, bad...)
	stream = append(stream, activeBlock(t, l.Formats(), 2, 4, 1)...)
	go mcu.Write(stream)

	m := recv(t, got)
	if m.OID() != 4 {
		t.Errorf("OID() = %d, want 4", m.OID())
	}
	if l.BadBlocks() == 0 {
		t.Errorf("BadBlocks() = 0, want > 0")
	}
}

func TestLinkSplitBlock(t *testing.T) {
	l, mcu, got := startLink(t)

	block := activeBlock(t, l.Formats(), 5, 7, 1)
	go func() {
		mcu.Write(block[:3])
		time.Sleep(10 * time.Millisecond)
		mcu.Write(block[3:])
	}()
	if m := recv(t, got); m.OID() != 7 {
		t.Errorf("OID() = %d, want 7", m.OID())
	}
}

func TestLinkSendFramesWithSequence(t *testing.T) {
	l, mcu, _ := startLink(t)

	buf := make([]byte, 64)
	for seq := 0; seq < 2; seq++ {
		errc := make(chan error, 1)
		go func() { errc <- l.Send([]byte{0x01, 0x02}) }()
		n, err := mcu.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if err := <-errc; err != nil {
			t.Fatalf("Send: %v", err)
		}
		block := buf[:n]
		if protocol.CheckMsgblock(block) != n {
			t.Fatalf("block %x is not a valid msgblock", block)
		}
		if got := protocol.MsgblockSeq(block); got != seq {
			t.Errorf("MsgblockSeq() = %d, want %d", got, seq)
		}
	}
}

func TestLinkSendAfterClose(t *testing.T) {
	l, _, _ := startLink(t)
	l.Close()
	if err := l.Send([]byte{1}); err != ErrLinkClosed {
		t.Errorf("Send after Close = %v, want %v", err, ErrLinkClosed)
	}
}
