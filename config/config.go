// Package config holds the recognized option surface for a session,
// plus loaders and defaults: decode into a plain struct, then fill in
// defaults that were left at their zero value.
package config

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the full configuration surface a Session is constructed
// with.
type Options struct {
	// MTU negotiation
	RequestMTU bool `json:"request_mtu" yaml:"request_mtu"`
	MTU        int  `json:"mtu" yaml:"mtu"`

	// DSPS chunking and flow control
	DefaultDspsChunkSize        int  `json:"default_dsps_chunk_size" yaml:"default_dsps_chunk_size"`
	DspsChunkSizeIncreaseToMTU  bool `json:"dsps_chunk_size_increase_to_mtu" yaml:"dsps_chunk_size_increase_to_mtu"`
	DspsPendingMax              int  `json:"dsps_pending_max" yaml:"dsps_pending_max"`
	DefaultDspsRxFlowOn         bool `json:"default_dsps_rx_flow" yaml:"default_dsps_rx_flow"`
	SetFlowControlOnConnection  bool `json:"set_flow_control_on_connection" yaml:"set_flow_control_on_connection"`

	// GATT scheduler
	GattQueuePriority           bool `json:"gatt_queue_priority" yaml:"gatt_queue_priority"`
	GattDequeueBeforeProcessing bool `json:"gatt_dequeue_before_processing" yaml:"gatt_dequeue_before_processing"`

	// Mode controller
	HostBinaryRequest        bool `json:"host_binary_request" yaml:"host_binary_request"`
	ModeChangeSendBinaryReq  bool `json:"mode_change_send_binary_request" yaml:"mode_change_send_binary_request"`

	// Cross-mode traffic gates
	AllowInboundCommandInBinaryMode   bool `json:"allow_inbound_command_in_binary_mode" yaml:"allow_inbound_command_in_binary_mode"`
	AllowOutboundCommandInBinaryMode  bool `json:"allow_outbound_command_in_binary_mode" yaml:"allow_outbound_command_in_binary_mode"`
	AllowInboundBinaryInCommandMode   bool `json:"allow_inbound_binary_in_command_mode" yaml:"allow_inbound_binary_in_command_mode"`
	AllowOutboundBinaryInCommandMode  bool `json:"allow_outbound_binary_in_command_mode" yaml:"allow_outbound_binary_in_command_mode"`

	// CodeLess outbound framing
	AppendEndOfLine bool   `json:"append_end_of_line" yaml:"append_end_of_line"`
	EndOfLine       string `json:"end_of_line" yaml:"end_of_line"`
	TrailingZero    bool   `json:"trailing_zero" yaml:"trailing_zero"`

	// CodeLess response shaping
	SingleWriteResponse    bool `json:"single_write_response" yaml:"single_write_response"`
	EmptyLineBeforeOK      bool `json:"empty_line_before_ok" yaml:"empty_line_before_ok"`
	EmptyLineBeforeError   bool `json:"empty_line_before_error" yaml:"empty_line_before_error"`

	// CodeLess outbound filtering
	DisallowInvalidParsedCommand bool `json:"disallow_invalid_parsed_command" yaml:"disallow_invalid_parsed_command"`
	DisallowInvalidCommand       bool `json:"disallow_invalid_command" yaml:"disallow_invalid_command"`
	DisallowInvalidPrefix        bool `json:"disallow_invalid_prefix" yaml:"disallow_invalid_prefix"`
	AutoAddPrefix                bool `json:"auto_add_prefix" yaml:"auto_add_prefix"`

	LineEvents bool `json:"line_events" yaml:"line_events"`

	// I/O logging hooks. The sinks themselves are supplied by the host at
	// session construction; these flags gate whether they are wired.
	CodelessLog      bool `json:"codeless_log" yaml:"codeless_log"`
	CodelessLogFlush bool `json:"codeless_log_flush" yaml:"codeless_log_flush"`
	DspsRxLog        bool `json:"dsps_rx_log" yaml:"dsps_rx_log"`
	DspsRxLogFlush   bool `json:"dsps_rx_log_flush" yaml:"dsps_rx_log_flush"`

	// Statistics
	DspsStats         bool          `json:"dsps_stats" yaml:"dsps_stats"`
	DspsStatsInterval time.Duration `json:"dsps_stats_interval" yaml:"dsps_stats_interval"`

	// Initial state
	InitialModeBinary bool `json:"initial_mode_binary" yaml:"initial_mode_binary"`
}

// Default returns the option set a Session uses when the embedder doesn't
// override anything: zero-value numbers filled in, and the commonly-on
// booleans enabled.
func Default() Options {
	var o Options
	applyDefaults(&o)
	o.RequestMTU = true
	o.DspsChunkSizeIncreaseToMTU = true
	o.DefaultDspsRxFlowOn = true
	o.SetFlowControlOnConnection = true
	o.GattQueuePriority = true
	o.AppendEndOfLine = true
	o.AutoAddPrefix = true
	o.DspsStats = true
	o.ModeChangeSendBinaryReq = true
	return o
}

// applyDefaults fills in every field that is still at its zero value.
// Booleans are left alone so a decoded "false" survives.
func applyDefaults(o *Options) {
	if o.MTU == 0 {
		o.MTU = 23
	}
	if o.DefaultDspsChunkSize == 0 {
		o.DefaultDspsChunkSize = o.MTU - 3
	}
	if o.DspsPendingMax == 0 {
		o.DspsPendingMax = 8192
	}
	if o.EndOfLine == "" {
		o.EndOfLine = "\r\n"
	}
	if o.DspsStatsInterval == 0 {
		o.DspsStatsInterval = time.Second
	}
}

// LoadJSON decodes Options on top of Default(), so absent fields keep
// their defaults while present ones - including booleans set to false -
// win.
func LoadJSON(data []byte) (Options, error) {
	o := Default()
	if err := json.Unmarshal(data, &o); err != nil {
		return Options{}, err
	}
	applyDefaults(&o)
	return o, nil
}

// LoadYAML is the YAML counterpart to LoadJSON, for hosts that keep
// device profiles alongside a YAML fleet configuration.
func LoadYAML(data []byte) (Options, error) {
	o := Default()
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Options{}, err
	}
	applyDefaults(&o)
	return o, nil
}

// DspsChunkSize computes the chunk size that should be in effect for the
// given negotiated MTU: the invariant dsps_chunk_size <= mtu-3 always
// holds, and when DspsChunkSizeIncreaseToMTU is set,
// the chunk size is raised to exactly mtu-3 rather than left at whatever
// smaller default was configured.
func (o Options) DspsChunkSize(mtu int) int {
	ceiling := mtu - 3
	if ceiling < 1 {
		ceiling = 1
	}
	if o.DspsChunkSizeIncreaseToMTU {
		return ceiling
	}
	if o.DefaultDspsChunkSize > ceiling {
		return ceiling
	}
	return o.DefaultDspsChunkSize
}
