/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sst

import (
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Config collects every tunable named in §6, with defaults matching it
// exactly (§6 "Tunables / constants").
type Config struct {
	MaxPayloadSize        int           `json:"max_payload_size"`
	MaxDatagramSize       int           `json:"max_datagram_size"`
	MaxQueuedSegments     int           `json:"max_queued_segments"`     // Connection in-flight budget
	MaxQueueLength        int64         `json:"max_queue_length"`        // Stream send-queue byte budget
	MaxReceiveWindow      int64         `json:"max_receive_window"`
	InitialRTO            time.Duration `json:"initial_rto"`
	RTOAlpha               float64      `json:"rto_alpha"` // EMA weight on the old estimate
	MaxRTO                 time.Duration `json:"max_rto"`
	KeepaliveInterval       time.Duration `json:"keepalive_interval"`
	LivenessTimeout         time.Duration `json:"liveness_timeout"`
	MaxInitRetransmissions int           `json:"max_init_retransmissions"`
	HandshakeRetryCap       int           `json:"handshake_retry_cap"`
}

// DefaultConfig matches §6 byte-for-byte.
func DefaultConfig() *Config {
	return &Config{
		MaxPayloadSize:         1300,
		MaxDatagramSize:        1000,
		MaxQueuedSegments:      3000,
		MaxQueueLength:         4_000_000,
		MaxReceiveWindow:       1 << 20, // configurable per §6; 1MiB is a reasonable shipped default
		InitialRTO:             2 * time.Second,
		RTOAlpha:               0.8,
		MaxRTO:                 20 * time.Second,
		KeepaliveInterval:      60 * time.Second,
		LivenessTimeout:        300 * time.Second,
		MaxInitRetransmissions: 5,
		HandshakeRetryCap:      5,
	}
}

// LoadConfig reads a JSON config file, falling back to defaults for any
// field. json-iterator is used here, not encoding/json, matching the
// teacher's JSON-handling convention for config/admin surfaces.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
