// Package export ships flow events out of the daemon.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jmpesp/opte/internal/config"
	"github.com/jmpesp/opte/internal/eventbus"
	"github.com/jmpesp/opte/internal/log"
	"github.com/jmpesp/opte/internal/metrics"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
	writeTimeout        = 5 * time.Second

	exporterName = "kafka"
)

// Encodings accepted by the exporter.
const (
	EncodingProtobuf = "protobuf"
	EncodingJSON     = "json"
)

// MessageWriter is the subset of *kafka.Writer the exporter needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaExporter writes flow events to a Kafka topic, keyed by flow so both
// directions of a connection land on the same partition.
type KafkaExporter struct {
	writer   MessageWriter
	encoding string

	exported atomic.Uint64
	failed   atomic.Uint64
}

// NewKafkaExporter builds an exporter from cfg.
func NewKafkaExporter(cfg config.KafkaExportConfig) (*KafkaExporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka exporter: brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka exporter: topic is required")
	}
	enc, err := normalizeEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	wc := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  defaultMaxAttempts,
	}
	if wc.BatchSize <= 0 {
		wc.BatchSize = defaultBatchSize
	}
	if wc.BatchTimeout <= 0 {
		wc.BatchTimeout = defaultBatchTimeout
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	wc.CompressionCodec = codec

	log.GetLogger().WithFields(map[string]interface{}{
		"brokers":     cfg.Brokers,
		"topic":       cfg.Topic,
		"encoding":    enc,
		"compression": cfg.Compression,
	}).Info("kafka exporter configured")

	return NewKafkaExporterWithWriter(kafka.NewWriter(wc), enc)
}

// NewKafkaExporterWithWriter builds an exporter around an existing writer.
func NewKafkaExporterWithWriter(w MessageWriter, encoding string) (*KafkaExporter, error) {
	enc, err := normalizeEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &KafkaExporter{writer: w, encoding: enc}, nil
}

func normalizeEncoding(s string) (string, error) {
	switch s {
	case "", EncodingProtobuf:
		return EncodingProtobuf, nil
	case EncodingJSON:
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("kafka exporter: invalid encoding %q", s)
	}
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("kafka exporter: invalid compression type %q", name)
	}
}

// Attach subscribes the exporter to fb.
func (e *KafkaExporter) Attach(fb *eventbus.FlowBus) error {
	return fb.SubscribeFlows(e.Export)
}

// Export encodes fe and writes it. Failures are counted and returned.
func (e *KafkaExporter) Export(fe *eventbus.FlowEvent) error {
	value, err := Encode(fe, e.encoding)
	if err != nil {
		e.fail("encode", err)
		return err
	}

	msg := kafka.Message{
		Key:   []byte(eventbus.FlowKey(fe.Port, fe.Flow)),
		Value: value,
		Time:  fe.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(fe.Kind)},
			{Key: "encoding", Value: []byte(e.encoding)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		e.fail("write", err)
		return fmt.Errorf("kafka exporter: write: %w", err)
	}
	e.exported.Add(1)
	return nil
}

func (e *KafkaExporter) fail(kind string, err error) {
	e.failed.Add(1)
	metrics.ExportErrorsTotal.WithLabelValues(exporterName, kind).Inc()
	log.GetLogger().WithError(err).WithField("error_type", kind).Warn("flow event export failed")
}

// Stats returns the number of exported and failed events.
func (e *KafkaExporter) Stats() (exported, failed uint64) {
	return e.exported.Load(), e.failed.Load()
}

// Close flushes and closes the writer.
func (e *KafkaExporter) Close() error {
	if e.writer == nil {
		return nil
	}
	exported, failed := e.Stats()
	log.GetLogger().WithFields(map[string]interface{}{
		"exported": exported,
		"failed":   failed,
	}).Info("kafka exporter stopped")
	return e.writer.Close()
}

// Encode renders fe in the given encoding. The protobuf form is a
// google.protobuf.Struct carrying the same fields as the JSON form.
func Encode(fe *eventbus.FlowEvent, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingJSON:
		return json.Marshal(fe)
	case EncodingProtobuf, "":
		s, err := eventStruct(fe)
		if err != nil {
			return nil, err
		}
		return proto.Marshal(s)
	default:
		return nil, fmt.Errorf("invalid encoding %q", encoding)
	}
}

// Decode parses a protobuf-encoded event back into its JSON form.
func Decode(b []byte) ([]byte, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return protojson.Marshal(&s)
}

func eventStruct(fe *eventbus.FlowEvent) (*structpb.Struct, error) {
	flow := map[string]interface{}{
		"dir":      fe.Flow.Dir.String(),
		"proto":    fe.Flow.Proto.String(),
		"src_ip":   addrString(fe.Flow.SrcIP.String(), fe.Flow.SrcIP.IsValid()),
		"src_port": float64(fe.Flow.SrcPort),
		"dst_ip":   addrString(fe.Flow.DstIP.String(), fe.Flow.DstIP.IsValid()),
		"dst_port": float64(fe.Flow.DstPort),
	}
	return structpb.NewStruct(map[string]interface{}{
		"id":     fe.ID,
		"kind":   fe.Kind,
		"port":   fe.Port,
		"layer":  fe.Layer,
		"flow":   flow,
		"action": fe.Action,
		"at":     fe.At.UTC().Format(time.RFC3339Nano),
	})
}

func addrString(s string, valid bool) string {
	if !valid {
		return ""
	}
	return s
}
