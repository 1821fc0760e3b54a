package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"shuffler/internal/client"
	"shuffler/internal/codec"
	"shuffler/internal/transport"
	"shuffler/internal/wire"
)

func selfSignedTLSConfigs(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "shuffler-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}

	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	pool.AddCert(leaf)

	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
	return serverCfg, clientCfg
}

// startTestServer boots a Server on a loopback TLS listener and returns
// a client.Config ready to dial it directly, grounded in the teacher's
// internal/worker/api_test.go pattern of spinning up httptest servers
// per test rather than sharing global state.
func startTestServer(t *testing.T) (*Server, transport.Config) {
	t.Helper()
	serverTLS, clientTLS := selfSignedTLSConfigs(t)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	dir, err := os.MkdirTemp("", "shuffle-server-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	srv := New(dir)
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown()
		ln.Close()
		os.RemoveAll(dir)
	})

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	var port uint16
	for _, c := range portStr {
		port = port*10 + uint16(c-'0')
	}

	cfg := transport.Config{
		Location:         transport.Direct,
		DefaultNamespace: "default",
		Namespace:        "",
		Service:          "127.0.0.1",
		Port:             port,
		TLSConfig:        clientTLS,
	}
	return srv, cfg
}

func testDescriptor() codec.Descriptor {
	return codec.Descriptor{
		Row: codec.RowType{
			{Name: "sample_id", Kind: codec.KindInt64},
			{Name: "locus", Kind: codec.KindString},
			{Name: "depth", Kind: codec.KindInt32},
		},
		RowFormat: codec.RowFormatPacked,
		Keys: []codec.KeyField{
			{Name: "sample_id", Dir: codec.Ascending},
			{Name: "locus", Dir: codec.Ascending},
		},
		KeyFormat: codec.KeyFormatOrderable,
	}
}

func TestStartPutGetStop(t *testing.T) {
	_, cfg := startTestServer(t)

	c := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Start(ctx, testDescriptor()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	c.PutRow(codec.Row{int64(2), "chr1:100", int32(30)})
	c.PutRow(codec.Row{int64(1), "chr1:200", int32(40)})
	c.PutRow(codec.Row{int64(1), "chr1:50", int32(10)})
	if err := c.EndPut(ctx); err != nil {
		t.Fatalf("EndPut: %v", err)
	}

	rows, err := c.Get(ctx, nil, true, nil, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	wantOrder := []string{"chr1:200", "chr1:50", "chr1:100"}
	for i, w := range wantOrder {
		if rows[i][1].(string) != w {
			t.Errorf("row %d: got locus %v, want %v", i, rows[i][1], w)
		}
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Idempotent STOP: a second call must not error.
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

// TestGetAfterStopRetriesUntilCancelled exercises spec.md §4.5's
// explicitly accepted gap: the protocol has no error frame for
// UnknownShuffle, so a request against a just-stopped shuffle looks
// identical to a dropped connection, and the client's reconnect loop
// keeps retrying it until the caller's context gives up.
func TestGetAfterStopRetriesUntilCancelled(t *testing.T) {
	_, cfg := startTestServer(t)
	c := client.New(cfg)
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer startCancel()

	if err := c.Start(startCtx, testDescriptor()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	if err := c.Stop(startCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	getCtx, getCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer getCancel()
	if _, err := c.Get(getCtx, nil, true, nil, true); err == nil {
		t.Fatalf("expected the retry loop to give up once getCtx expired")
	}
}

// TestPutMidStreamDropDoesNotDuplicate exercises the reconnect-
// transparency property of spec.md §8 for PUT: a connection dropped
// before the continue=0 terminator must leave nothing committed, so
// that a client's whole-batch retry lands each row exactly once. It
// drives the wire protocol directly rather than through client.Client,
// since Client never deliberately truncates a stream mid-flight.
func TestPutMidStreamDropDoesNotDuplicate(t *testing.T) {
	_, cfg := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	desc := testDescriptor()
	c, err := codec.New(desc)
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}

	startConn, _, err := transport.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial (start): %v", err)
	}
	if err := wire.WriteOpcode(startConn, wire.OpStart); err != nil {
		t.Fatalf("WriteOpcode(start): %v", err)
	}
	if err := wire.WriteDescriptor(startConn, desc); err != nil {
		t.Fatalf("WriteDescriptor: %v", err)
	}
	id, err := wire.ReadIdentifier(startConn)
	if err != nil {
		t.Fatalf("ReadIdentifier: %v", err)
	}
	startConn.Close()

	rows := []codec.Row{
		{int64(1), "chr1:10", int32(5)},
		{int64(1), "chr1:20", int32(6)},
	}
	encoded := make([][]byte, len(rows))
	for i, r := range rows {
		b, err := c.EncodeRow(r)
		if err != nil {
			t.Fatalf("EncodeRow: %v", err)
		}
		encoded[i] = b
	}

	// Attempt 1: send only the first record, then drop the connection
	// before the continue=0 terminator -- the server never sees a
	// complete batch and must commit nothing.
	dropConn, _, err := transport.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial (drop): %v", err)
	}
	if err := wire.WriteOpcode(dropConn, wire.OpPut); err != nil {
		t.Fatalf("WriteOpcode(put): %v", err)
	}
	if err := wire.WriteIdentifier(dropConn, id); err != nil {
		t.Fatalf("WriteIdentifier: %v", err)
	}
	if err := wire.WritePutRecord(dropConn, encoded[0]); err != nil {
		t.Fatalf("WritePutRecord: %v", err)
	}
	dropConn.Close()

	// Give the server a moment to observe the drop and return from
	// handlePut before the retry races it.
	time.Sleep(50 * time.Millisecond)

	// Attempt 2: resend the whole batch on a fresh connection, exactly
	// as Client.EndPut's retry loop would.
	retryConn, _, err := transport.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial (retry): %v", err)
	}
	if err := wire.WriteOpcode(retryConn, wire.OpPut); err != nil {
		t.Fatalf("WriteOpcode(put): %v", err)
	}
	if err := wire.WriteIdentifier(retryConn, id); err != nil {
		t.Fatalf("WriteIdentifier: %v", err)
	}
	for _, b := range encoded {
		if err := wire.WritePutRecord(retryConn, b); err != nil {
			t.Fatalf("WritePutRecord: %v", err)
		}
	}
	if err := wire.WritePutEnd(retryConn); err != nil {
		t.Fatalf("WritePutEnd: %v", err)
	}
	if err := wire.ReadAck(retryConn); err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	retryConn.Close()

	getConn, _, err := transport.Dial(ctx, cfg)
	if err != nil {
		t.Fatalf("Dial (get): %v", err)
	}
	if err := wire.WriteOpcode(getConn, wire.OpGet); err != nil {
		t.Fatalf("WriteOpcode(get): %v", err)
	}
	if err := wire.WriteIdentifier(getConn, id); err != nil {
		t.Fatalf("WriteIdentifier: %v", err)
	}
	if err := wire.WriteGetRequest(getConn, nil, true, nil, true); err != nil {
		t.Fatalf("WriteGetRequest: %v", err)
	}
	var got []codec.Row
	for {
		payload, ok, err := wire.ReadStreamStep(getConn)
		if err != nil {
			t.Fatalf("ReadStreamStep: %v", err)
		}
		if !ok {
			break
		}
		row, err := c.DecodeRow(payload)
		if err != nil {
			t.Fatalf("DecodeRow: %v", err)
		}
		got = append(got, row)
	}
	getConn.Close()

	if len(got) != len(rows) {
		t.Fatalf("got %d rows after drop-and-retry, want %d (duplicate or lost rows): %v", len(got), len(rows), got)
	}
}

func TestPartitionBoundsEndpointsCoverRange(t *testing.T) {
	_, cfg := startTestServer(t)
	c := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Start(ctx, testDescriptor()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	for i := int64(0); i < 200; i++ {
		c.PutRow(codec.Row{i, "chrX:1", int32(1)})
	}
	if err := c.EndPut(ctx); err != nil {
		t.Fatalf("EndPut: %v", err)
	}

	bounds, err := c.PartitionBounds(ctx, 4)
	if err != nil {
		t.Fatalf("PartitionBounds: %v", err)
	}
	if len(bounds) != 5 {
		t.Fatalf("got %d bounds, want 5", len(bounds))
	}

	cd, err := codec.New(testDescriptor())
	if err != nil {
		t.Fatalf("codec.New: %v", err)
	}
	minKey, err := cd.EncodeKey(codec.Row{int64(0), "chrX:1", int32(1)})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	maxKey, err := cd.EncodeKey(codec.Row{int64(199), "chrX:1", int32(1)})
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	if cd.Compare(bounds[0], minKey) > 0 {
		t.Errorf("first bound sorts after the smallest stored key")
	}
	if cd.Compare(bounds[len(bounds)-1], maxKey) < 0 {
		t.Errorf("last bound sorts before the largest stored key")
	}
}
