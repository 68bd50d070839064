// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package samplelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTRowsPerMessage bounds one samples message.
const MQTTRowsPerMessage = 500

// MQTTConfig configures the MQTT mirror.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes a summary to <prefix>/session and the rows, in
// order, to <prefix>/samples.
type MQTTSink struct {
	client mqttPublisher
	prefix string
	close  func()
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}
	return &MQTTSink{
		client: client,
		prefix: cfg.TopicPrefix,
		close:  func() { client.Disconnect(250) },
	}, nil
}

func (s *MQTTSink) Name() string { return "mqtt" }

type samplesMessage struct {
	Name    string   `json:"name"`
	Offset  int      `json:"offset"`
	Records []Record `json:"records"`
}

func (s *MQTTSink) publish(ctx context.Context, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := s.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSink) Write(ctx context.Context, job *Job) error {
	offset := 0
	for _, c := range chunks(job.Records, MQTTRowsPerMessage) {
		msg := samplesMessage{Name: job.Name, Offset: offset, Records: c}
		if err := s.publish(ctx, s.prefix+"/samples", msg); err != nil {
			return fmt.Errorf("publish samples: %w", err)
		}
		offset += len(c)
	}
	if err := s.publish(ctx, s.prefix+"/session", Summarize(job)); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	return nil
}

func (s *MQTTSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
