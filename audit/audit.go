/*************************************************************************
 * Copyright 2024 Open Nexus OS Project. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package audit is the durable record sink for policy and lifecycle
// decisions: routing denials, spawn failures, and endpoint revocations.
// Records are keyed by a monotonic sequence number and carry only the
// kernel-derived service_id, never raw capability values or payload
// contents (spec.md section 4.4, section 4.6).
package audit

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("audit")

var (
	ErrNoActiveDB    = errors.New("audit: sink is closed")
	ErrBucketMissing = errors.New("audit: bucket missing")
)

// Kind is the closed set of audit record kinds.
type Kind string

const (
	KindRouteDenied    Kind = "route_denied"
	KindRouteNotFound  Kind = "route_not_found"
	KindSpawnFailure   Kind = "spawn_failure"
	KindEndpointRevoke Kind = "endpoint_revoke"
)

// Record is a single durable audit entry.
type Record struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	ServiceID uint64    `json:"service_id"`
	Target    string    `json:"target,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Sink is the durable audit log, backed by a single-file bbolt database.
// One Sink per kernel instance; safe for concurrent use (bbolt serializes
// writers internally).
type Sink struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt-backed audit log at path.
func Open(path string) (*Sink, error) {
	db, err := bbolt.Open(path, 0660, &bbolt.Options{Timeout: 100 * time.Millisecond})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Sink{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Emit appends rec with a fresh monotonic sequence number, overwriting
// any caller-supplied Seq/Timestamp.
func (s *Sink) Emit(rec Record) error {
	if s.db == nil {
		return ErrNoActiveDB
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt == nil {
			return ErrBucketMissing
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
		rec.Timestamp = time.Now().UTC()
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put(seqKey(seq), buf)
	})
}

// RouteDenied is a convenience wrapper around Emit for the routing
// responder's deny path.
func (s *Sink) RouteDenied(requesterServiceID uint64, target string) error {
	return s.Emit(Record{Kind: KindRouteDenied, ServiceID: requesterServiceID, Target: target})
}

// SpawnFailure records a classified spawn failure for a service_id that
// may not even have a task behind it yet (spawn itself failed).
func (s *Sink) SpawnFailure(serviceID uint64, reason string) error {
	return s.Emit(Record{Kind: KindSpawnFailure, ServiceID: serviceID, Detail: reason})
}

// ForEach walks every record in sequence order, stopping on the first
// error from fn. Used by operator tooling and tests.
func (s *Sink) ForEach(fn func(Record) error) error {
	if s.db == nil {
		return ErrNoActiveDB
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			return fn(rec)
		})
	})
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
