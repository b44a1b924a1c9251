package routetrace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-moe/internal/logger"
)

// DefaultPath is the flight descriptor path used when none is given.
const DefaultPath = "routes"

var ErrNoRecords = errors.New("routetrace: no records to send")

// Client uploads routing traces to an Arrow Flight endpoint.
type Client struct {
	client flight.Client
	addr   string
}

// Dial connects to addr (host:port). Without options the connection is
// plaintext.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	c, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Flight client: %w", err)
	}
	return &Client{client: c, addr: addr}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Put streams recs under path with DoPut and waits for the server to
// acknowledge.
func (c *Client) Put(ctx context.Context, path string, recs ...arrow.Record) error {
	if len(recs) == 0 {
		return ErrNoRecords
	}
	if path == "" {
		path = DefaultPath
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	w := flight.NewRecordWriter(stream, ipc.WithSchema(recs[0].Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{path}})

	var rows int64
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to write record: %w", err)
		}
		rows += rec.NumRows()
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut: %w", err)
		}
	}

	logger.Log.Debug("Routing trace uploaded", "addr", c.addr, "path", path, "records", len(recs), "rows", rows)
	return nil
}

// Collector is a Flight service that keeps uploaded traces in memory, keyed by
// descriptor path.
type Collector struct {
	flight.BaseFlightServer

	mu     sync.Mutex
	traces map[string][]arrow.Record
	server flight.Server
}

func NewCollector() *Collector {
	return &Collector{traces: make(map[string][]arrow.Record)}
}

func (c *Collector) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	path := DefaultPath
	if desc := rdr.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
		path = desc.Path[0]
	}

	var received []arrow.Record
	var rows int64
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		received = append(received, rec)
		rows += rec.NumRows()
	}
	if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, rec := range received {
			rec.Release()
		}
		return err
	}

	c.mu.Lock()
	c.traces[path] = append(c.traces[path], received...)
	c.mu.Unlock()

	logger.Log.Debug("Routing trace received", "path", path, "records", len(received), "rows", rows)
	return stream.Send(&flight.PutResult{AppMetadata: []byte(strconv.FormatInt(rows, 10))})
}

// Records returns the traces stored under path. They stay owned by the
// collector.
func (c *Collector) Records(path string) []arrow.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]arrow.Record(nil), c.traces[path]...)
}

// Listen starts serving on addr in the background and returns the bound
// address.
func (c *Collector) Listen(addr string) (net.Addr, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(c)
	c.server = srv

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("Flight collector stopped", "error", err)
		}
	}()
	return srv.Addr(), nil
}

// Shutdown stops the server and releases every stored record.
func (c *Collector) Shutdown() {
	if c.server != nil {
		c.server.Shutdown()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, recs := range c.traces {
		for _, rec := range recs {
			rec.Release()
		}
		delete(c.traces, path)
	}
}
