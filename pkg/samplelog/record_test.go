// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package samplelog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func TestRecordRow(t *testing.T) {
	r := NewRecord(sample(42, false), 42)
	r.Triggered = true
	assert.Equal(t,
		[]string{"42", "32", "0.131", "0.120", "0.045", "1", "1", "3.00", "100", "5"},
		r.Row())
}

func TestValidateName(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "analog_probe_1700000000.csv", false},
		{"run1", "run1.csv", false},
		{"run1.txt", "run1.txt", false},
		{"../etc/passwd", "", true},
		{"a/b.csv", "", true},
		{`a\b.csv`, "", true},
	}
	for _, tt := range tests {
		got, err := ValidateName(tt.in, now)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ValidateName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCSVSinkWritesRowsInOrder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	s, err := NewCSVSink(dir)
	require.NoError(t, err)

	job := &Job{Name: "run.csv"}
	for i := uint32(0); i < 3; i++ {
		job.Records = append(job.Records, NewRecord(sample(i, false), uint64(i)))
	}
	require.NoError(t, s.Write(context.Background(), job))

	data, err := os.ReadFile(filepath.Join(dir, "run.csv"))
	require.NoError(t, err)
	want := "timestamp,raw,current,tare,threshold,triggered,auto_threshold,std_multiplier,tare_buffer_len,current_buffer_len\n" +
		"0,-10,0.131,0.120,0.045,0,1,3.00,100,5\n" +
		"1,-9,0.131,0.120,0.045,0,1,3.00,100,5\n" +
		"2,-8,0.131,0.120,0.045,0,1,3.00,100,5\n"
	assert.Equal(t, want, string(data))
}

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	msgs []published
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.msgs = append(f.msgs, published{topic, payload.([]byte)})
	return newToken(nil)
}

func TestMQTTSinkChunksRows(t *testing.T) {
	pub := &fakePublisher{}
	s := &MQTTSink{client: pub, prefix: "probe"}

	job := &Job{Name: "run.csv", Reason: ReasonStopped}
	for i := 0; i < MQTTRowsPerMessage+10; i++ {
		r := NewRecord(sample(uint32(i), false), uint64(i))
		r.Triggered = i%2 == 0
		job.Records = append(job.Records, r)
	}
	require.NoError(t, s.Write(context.Background(), job))

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, "probe/samples", pub.msgs[0].topic)
	assert.Equal(t, "probe/session", pub.msgs[2].topic)

	var second samplesMessage
	require.NoError(t, json.Unmarshal(pub.msgs[1].payload, &second))
	assert.Equal(t, MQTTRowsPerMessage, second.Offset)
	assert.Len(t, second.Records, 10)

	var sum Summary
	require.NoError(t, json.Unmarshal(pub.msgs[2].payload, &sum))
	assert.Equal(t, MQTTRowsPerMessage+10, sum.Records)
	assert.Equal(t, (MQTTRowsPerMessage+10)/2, sum.Triggered)
}

func TestMQTTSinkEmptySessionSendsSummaryOnly(t *testing.T) {
	pub := &fakePublisher{}
	s := &MQTTSink{client: pub, prefix: "probe"}
	require.NoError(t, s.Write(context.Background(), &Job{Name: "empty.csv"}))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "probe/session", pub.msgs[0].topic)
}
