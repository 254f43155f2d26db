package app

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// MQTT 3.1.1 control packet types the node uses.
const (
	pktConnect     = 1
	pktPublish     = 3
	pktSubscribe   = 8
	pktUnsubscribe = 10
	pktPingReq     = 12
	pktDisconnect  = 14
)

// testBroker speaks just enough MQTT for the node: it acknowledges connects (after
// connackDelay), QoS 1 publishes, subscriptions and pings, and records published topics.
type testBroker struct {
	ln           net.Listener
	connackDelay time.Duration

	mu     sync.Mutex
	conns  []net.Conn
	topics []string
}

func startTestBroker(t *testing.T, connackDelay time.Duration) *testBroker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	b := &testBroker{ln: ln, connackDelay: connackDelay}
	go b.accept()

	t.Cleanup(func() {
		_ = ln.Close()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, c := range b.conns {
			_ = c.Close()
		}
	})
	return b
}

func (b *testBroker) port() int {
	return b.ln.Addr().(*net.TCPAddr).Port
}

func (b *testBroker) accept() {
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()
		go b.serve(conn)
	}
}

func (b *testBroker) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		header, err := r.ReadByte()
		if err != nil {
			return
		}
		n, err := readRemainingLength(r)
		if err != nil {
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		var reply []byte
		switch header >> 4 {
		case pktConnect:
			time.Sleep(b.connackDelay)
			reply = []byte{0x20, 0x02, 0x00, 0x00}
		case pktPublish:
			tl := int(binary.BigEndian.Uint16(body))
			b.record(string(body[2 : 2+tl]))
			if (header>>1)&0x03 == 1 {
				reply = []byte{0x40, 0x02, body[2+tl], body[3+tl]}
			}
		case pktSubscribe:
			var codes []byte
			for i := 2; i < len(body); {
				i += 2 + int(binary.BigEndian.Uint16(body[i:])) + 1
				codes = append(codes, 0x00)
			}
			reply = append([]byte{0x90, byte(2 + len(codes)), body[0], body[1]}, codes...)
		case pktUnsubscribe:
			reply = []byte{0xB0, 0x02, body[0], body[1]}
		case pktPingReq:
			reply = []byte{0xD0, 0x00}
		case pktDisconnect:
			return
		}
		if reply != nil {
			if _, err := conn.Write(reply); err != nil {
				return
			}
		}
	}
}

func readRemainingLength(r *bufio.Reader) (int, error) {
	n, mult := 0, 1
	for {
		c, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		n += int(c&0x7F) * mult
		if c&0x80 == 0 {
			return n, nil
		}
		mult *= 128
	}
}

func (b *testBroker) record(topic string) {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
}

// waitForTopic reports whether topic was published within timeout.
func (b *testBroker) waitForTopic(topic string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		for _, got := range b.topics {
			if got == topic {
				b.mu.Unlock()
				return true
			}
		}
		b.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
