// Package sink mirrors verbatim provider records to secondary storage for
// forensic replay. Sinks are keyed by (target, run id): writing the same key
// twice replaces the earlier copy. A sink failure never affects the primary
// structured store.
package sink

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/sentinel-intel/sentinel/internal/model"
)

type Batch struct {
	RunID       string
	Target      string
	CollectedAt time.Time
	Records     []model.RawRecord
}

type Sink interface {
	Put(ctx context.Context, batch Batch) error
}

// Metadata accompanies every mirrored batch.
type Metadata struct {
	RunID       string    `json:"run_id"`
	Target      string    `json:"target"`
	CollectedAt time.Time `json:"collected_at"`
	Fingerprint string    `json:"fingerprint"`
	Records     int       `json:"records"`
}

type payload struct {
	Metadata Metadata          `json:"sentinel_metadata"`
	Records  []model.RawRecord `json:"records"`
}

// Encode returns the JSON document stored by every sink and its metadata.
func Encode(b Batch) ([]byte, Metadata, error) {
	if b.RunID == "" || b.Target == "" {
		return nil, Metadata{}, errors.New("batch without run id or target")
	}
	records := b.Records
	if records == nil {
		records = []model.RawRecord{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("encoding records: %w", err)
	}
	meta := Metadata{
		RunID:       b.RunID,
		Target:      b.Target,
		CollectedAt: b.CollectedAt.UTC(),
		Fingerprint: Fingerprint(raw),
		Records:     len(records),
	}
	out, err := json.Marshal(payload{Metadata: meta, Records: records})
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("encoding batch: %w", err)
	}
	return out, meta, nil
}

// Fingerprint is a murmur3 128bit digest of the encoded records. Map keys are
// sorted by encoding/json so equal records give equal fingerprints.
func Fingerprint(encoded []byte) string {
	h1, h2 := murmur3.Sum128(encoded)
	var b [16]byte
	for i := range 8 {
		b[i] = byte(h1 >> (56 - 8*i))
		b[8+i] = byte(h2 >> (56 - 8*i))
	}
	return hex.EncodeToString(b[:])
}

// Key is the relative object name of a batch: <run_id>/<target>.json.
func Key(b Batch) string {
	return path.Join(safe(b.RunID), safe(b.Target)+".json")
}

// safe maps a target name onto a portable file name.
func safe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, strings.TrimLeft(s, "."))
}

// Multi writes every batch to all sinks and joins their errors.
type Multi []Sink

func (m Multi) Put(ctx context.Context, b Batch) error {
	var errs []error
	for _, s := range m {
		if err := s.Put(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if closer, ok := s.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// New builds the sinks enabled in cfg. It returns a nil Multi when mirroring
// is disabled.
func New(ctx context.Context, cfg model.Mirror) (Multi, error) {
	var sinks Multi
	if cfg.Dir != "" {
		d, err := NewDir(cfg.Dir)
		if err != nil {
			return nil, &model.ConfigError{Field: "mirror.dir", Err: err}
		}
		sinks = append(sinks, d)
	}
	if cfg.S3 != nil && cfg.S3.Enabled {
		if cfg.S3.Bucket == "" {
			_ = sinks.Close()
			return nil, &model.ConfigError{Field: "mirror.s3.bucket", Problems: []string{"bucket is required when s3 mirroring is enabled"}}
		}
		s, err := NewS3(ctx, *cfg.S3)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("initializing s3 mirror: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.PubSub != nil && cfg.PubSub.Enabled {
		if cfg.PubSub.Project == "" || cfg.PubSub.Topic == "" {
			_ = sinks.Close()
			return nil, &model.ConfigError{Field: "mirror.pubsub", Problems: []string{"project and topic are required when pubsub mirroring is enabled"}}
		}
		p, err := NewPubSub(ctx, *cfg.PubSub)
		if err != nil {
			_ = sinks.Close()
			return nil, fmt.Errorf("initializing pubsub mirror: %w", err)
		}
		sinks = append(sinks, p)
	}
	return sinks, nil
}
