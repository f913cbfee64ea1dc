// Package protocol defines the wire messages exchanged between hashkitty
// peers (controller ↔ relay ↔ worker) over WebSocket.
//
// All messages share the Envelope shape. For most typed messages the payload
// is itself a JSON-encoded string (doubly encoded); decoders accept an
// object payload as well.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Envelope is the top-level wire format for all messages.
//
// Payload is kept as raw JSON so that relayed frames can be decoded for
// routing without re-encoding what peers sent.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Message type constants ---

const (
	TypeJoin         = "join"
	TypeAttack       = "attack"
	TypeStartSniff   = "start_sniff"
	TypeStopSniff    = "stop_sniff"
	TypeStatusUpdate = "status_update"
	TypeSniffOutput  = "sniff_output"
	TypeSniffStopped = "sniff_stopped"
)

// Job status values carried in StatusUpdate.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultSSHPort is used when a start_sniff payload omits the port.
const DefaultSSHPort = 22

// ErrMissingType is returned by Decode for envelopes without a type.
var ErrMissingType = errors.New("envelope has no type")

// AttackParams are the parameters of an attack request.
type AttackParams struct {
	JobID      string `json:"jobId"`
	File       string `json:"file"`
	Mode       string `json:"mode"`
	AttackMode string `json:"attackMode"`
	Wordlist   string `json:"wordlist,omitempty"`
	Rules      string `json:"rules,omitempty"`
	User       bool   `json:"user"`
	Quiet      bool   `json:"quiet"`
	Disable    bool   `json:"disable"`
	Analysis   bool   `json:"analysis"`
}

var numeric = regexp.MustCompile(`^[0-9]+$`)

// Validate checks the fields an attack runner passes to the cracking binary.
// It does not touch the filesystem.
func (p AttackParams) Validate() error {
	if p.JobID == "" {
		return errors.New("jobId is required")
	}
	if !numeric.MatchString(p.Mode) {
		return fmt.Errorf("invalid hash mode %q", p.Mode)
	}
	if !numeric.MatchString(p.AttackMode) {
		return fmt.Errorf("invalid attack mode %q", p.AttackMode)
	}
	if err := checkPath(p.File, "hash file", true); err != nil {
		return err
	}
	if err := checkPath(p.Wordlist, "wordlist", false); err != nil {
		return err
	}
	return checkPath(p.Rules, "rules", false)
}

func checkPath(path, what string, required bool) error {
	if path == "" {
		if required {
			return fmt.Errorf("%s path is empty", what)
		}
		return nil
	}
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("invalid %s path: path traversal is not allowed", what)
	}
	return nil
}

// StatusUpdate reports progress of a job.
type StatusUpdate struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Output  string `json:"output,omitempty"`
	Cracked string `json:"cracked,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StartSniff asks the relay to start a remote capture session.
type StartSniff struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Addr returns host:port, substituting DefaultSSHPort for a zero port.
func (s StartSniff) Addr() string {
	port := s.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return fmt.Sprintf("%s:%d", s.Host, port)
}

// SniffOutput carries one chunk of capture output or an error text.
type SniffOutput struct {
	Output string `json:"output"`
}

// Decode parses a raw frame into an Envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// DecodePayload decodes an envelope payload into v. The payload may be a
// JSON string holding the encoded object or the object itself.
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return errors.New("payload is empty")
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return fmt.Errorf("decode payload string: %w", err)
		}
		raw = json.RawMessage(inner)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// DecodeStartSniff decodes a start_sniff payload and applies the port default.
func DecodeStartSniff(raw json.RawMessage) (StartSniff, error) {
	var s StartSniff
	if err := DecodePayload(raw, &s); err != nil {
		return StartSniff{}, err
	}
	if s.Host == "" {
		return StartSniff{}, errors.New("start_sniff: host is required")
	}
	if s.Port == 0 {
		s.Port = DefaultSSHPort
	}
	return s, nil
}

// Encode builds a wire frame whose payload is v encoded as a JSON string.
// A nil v produces an empty string payload.
func Encode(typ, roomID string, v any) ([]byte, error) {
	inner := ""
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		inner = string(b)
	}
	payload, err := json.Marshal(inner)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, RoomID: roomID, Payload: payload})
}

// MustEncode is Encode for payloads that cannot fail to marshal.
func MustEncode(typ, roomID string, v any) []byte {
	b, err := Encode(typ, roomID, v)
	if err != nil {
		panic(err)
	}
	return b
}
