package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"shuffler/internal/client"
	"shuffler/internal/codec"
	"shuffler/internal/transport"
)

func main() {
	host := flag.String("host", "127.0.0.1", "shuffle server host")
	port := flag.Int("port", 7070, "shuffle server port")
	caFile := flag.String("ca", "", "path to the CA certificate trusted for the server's TLS leaf")
	flag.Parse()

	tlsCfg := &tls.Config{ServerName: *host}
	if *caFile != "" {
		pem, err := os.ReadFile(*caFile)
		if err != nil {
			log.Fatalf("leyendo CA: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			log.Fatal("no se pudo parsear el certificado de la CA")
		}
		tlsCfg.RootCAs = pool
	} else {
		tlsCfg.InsecureSkipVerify = true
	}

	cfg := transport.Config{
		Location:         transport.Direct,
		DefaultNamespace: "default",
		Namespace:        "",
		Service:          *host,
		Port:             uint16(*port),
		TLSConfig:        tlsCfg,
	}

	desc := codec.Descriptor{
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

	c := client.New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("Enviando START al shuffle server...")
	if err := c.Start(ctx, desc); err != nil {
		log.Fatalf("Start: %v", err)
	}
	defer c.Close()

	rows := []codec.Row{
		{int64(2), "chr1:100", int32(30)},
		{int64(1), "chr1:200", int32(40)},
		{int64(1), "chr1:50", int32(10)},
	}
	for _, r := range rows {
		c.PutRow(r)
	}
	if err := c.EndPut(ctx); err != nil {
		log.Fatalf("EndPut: %v", err)
	}
	fmt.Printf("%d filas enviadas\n", len(rows))

	got, err := c.Get(ctx, nil, true, nil, true)
	if err != nil {
		log.Fatalf("Get: %v", err)
	}
	fmt.Println("Filas ordenadas por clave:")
	for _, r := range got {
		fmt.Printf("  sample_id=%v locus=%v depth=%v\n", r[0], r[1], r[2])
	}

	bounds, err := c.PartitionBounds(ctx, 2)
	if err != nil {
		log.Fatalf("PartitionBounds: %v", err)
	}
	fmt.Printf("%d límites de partición\n", len(bounds))

	if err := c.Stop(ctx); err != nil {
		log.Fatalf("Stop: %v", err)
	}
	fmt.Println("Shuffle detenido")
}
