package redis

import (
	"fmt"

	"classmesh/internal/core/domain"
	"classmesh/internal/core/ports"
	"classmesh/internal/infrastructure/signaling/subscription"

	"github.com/vmihailenco/msgpack/v5"
)

const DefaultPrefix = "classmesh:"

// keyspace derives every key the channel uses from one prefix.
type keyspace string

func (k keyspace) document(path string) string         { return string(k) + "doc:" + path }
func (k keyspace) collection(collection string) string { return string(k) + "col:" + collection }
func (k keyspace) sequence() string                    { return string(k) + "seq" }
func (k keyspace) changes() string                     { return string(k) + "changes" }
func (k keyspace) schemaVersion() string               { return string(k) + "schema:version" }

// storedDocument is the value kept under a document key.
type storedDocument struct {
	Version uint64                 `msgpack:"v"`
	Data    map[string]interface{} `msgpack:"d"`
}

// changeEvent is published on the change channel after every write.
type changeEvent struct {
	Type    ports.ChangeType       `msgpack:"t"`
	Path    string                 `msgpack:"p"`
	Version uint64                 `msgpack:"v"`
	Data    map[string]interface{} `msgpack:"d,omitempty"`
}

func encodeDocument(doc storedDocument) ([]byte, error) {
	data, err := msgpack.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

func decodeDocument(raw []byte) (storedDocument, error) {
	var doc storedDocument
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return storedDocument{}, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

func encodeEvent(ev changeEvent) ([]byte, error) {
	data, err := msgpack.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode change: %w", err)
	}
	return data, nil
}

func decodeEvent(raw []byte) (changeEvent, error) {
	var ev changeEvent
	if err := msgpack.Unmarshal(raw, &ev); err != nil {
		return changeEvent{}, fmt.Errorf("failed to decode change: %w", err)
	}
	return ev, nil
}

// document converts decoded fields back to JSON value types, so callers see
// the same shapes as with the in-memory channel.
func document(fields map[string]interface{}) (domain.Document, error) {
	return domain.Document(fields).Normalize()
}

func (ev changeEvent) change() (ports.Change, error) {
	ch := ports.Change{Type: ev.Type, ID: subscription.Base(ev.Path), Path: ev.Path}
	if ev.Type == ports.ChangeRemoved {
		return ch, nil
	}
	data, err := document(ev.Data)
	if err != nil {
		return ports.Change{}, err
	}
	ch.Data = data
	return ch, nil
}
