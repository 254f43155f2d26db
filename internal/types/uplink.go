package types

import "time"

// Uplink is the message the node publishes to the network bridge for every transmitted
// frame. Payload is base64 encoded in JSON.
type Uplink struct {
	DevAddr  string    `json:"dev_addr"`
	FPort    uint8     `json:"f_port"`
	FCnt     uint32    `json:"f_cnt"`
	DataRate uint8     `json:"data_rate"`
	Payload  []byte    `json:"payload"`
	SentAt   time.Time `json:"sent_at"`
}

// Join announces a (re)join of the node to the network bridge.
type Join struct {
	DevAddr string    `json:"dev_addr"`
	Mode    string    `json:"mode"`
	SentAt  time.Time `json:"sent_at"`
}
