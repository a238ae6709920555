// knx-tunnel opens a KNX IP secure tunneling connection to a KNXnet/IP
// server and prints the received cEMI frames.
//
// Usage:
//
//	knx-tunnel [options]
//
// Options:
//
//	-server    server address (default: "localhost:3671")
//	-user      secure session user (default: 1)
//	-key       user key, 32 hex chars (empty: empty-password key)
//	-authcode  device authentication code, 32 hex chars (empty: skip)
//
// Example:
//
//	knx-tunnel -server 192.168.1.10:3671 -user 2 -key 0102...0f10
package main

import (
	"encoding/hex"
	"flag"
	"log"
	"os"
	"os/signal"

	"github.com/pion/logging"

	"github.com/calimero-project/calimero/pkg/transport"
)

func main() {
	server := flag.String("server", "localhost:3671", "server address")
	user := flag.Int("user", 1, "secure session user")
	keyHex := flag.String("key", "", "user key, 32 hex chars")
	authHex := flag.String("authcode", "", "device authentication code, 32 hex chars")
	flag.Parse()

	userKey, err := hex.DecodeString(*keyHex)
	if err != nil {
		log.Fatalf("Invalid user key: %v", err)
	}
	authCode, err := hex.DecodeString(*authHex)
	if err != nil {
		log.Fatalf("Invalid device authentication code: %v", err)
	}

	conn := transport.NewConnection(*server, transport.ConnectionConfig{
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	defer conn.Close()

	session, err := conn.NewSecureSession(*user, userKey, authCode)
	if err != nil {
		log.Fatalf("Failed to create secure session: %v", err)
	}
	if err := session.EnsureOpen(); err != nil {
		log.Fatalf("Failed to open secure session: %v", err)
	}

	tunnel, err := transport.NewTunnel(session, transport.LinkLayerMode)
	if err != nil {
		log.Fatalf("Failed to open tunnel: %v", err)
	}
	defer tunnel.Close()

	tunnel.OnFrame(func(cemi []byte) {
		log.Printf("received cEMI frame: %x", cemi)
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}
