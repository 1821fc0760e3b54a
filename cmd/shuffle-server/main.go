package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"shuffler/internal/server"
)

func main() {
	port := flag.Int("port", 7070, "TCP port to listen on")
	tlsDir := flag.String("tls-dir", "", "path to the directory holding cert.pem and key.pem")
	scratchDir := flag.String("scratch-dir", "/tmp/shuffler", "root directory for per-shuffle on-disk state")
	flag.Parse()

	if *tlsDir == "" {
		log.Fatal("shuffle-server: -tls-dir is required")
	}

	cert, err := tls.LoadX509KeyPair(filepath.Join(*tlsDir, "cert.pem"), filepath.Join(*tlsDir, "key.pem"))
	if err != nil {
		log.Fatalf("shuffle-server: loading TLS material: %v", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}

	addr := fmt.Sprintf(":%d", *port)
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		log.Fatalf("shuffle-server: listen %s: %v", addr, err)
	}

	srv := server.New(*scratchDir)
	log.Printf("[Server] shuffle server escuchando en %s, scratch=%s", addr, *scratchDir)
	log.Fatal(srv.Serve(ln))
}
