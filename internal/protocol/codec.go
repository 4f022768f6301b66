package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Decode failure classes. Callers test with errors.Is.
var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrInvalidFrame       = errors.New("invalid frame")
)

var opPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// Codec serializes and validates U-WBP v2 frames.
type Codec struct {
	log            zerolog.Logger
	clockTolerance time.Duration
	now            func() time.Time
}

// NewCodec creates a codec. Timestamps skewed beyond clockTolerance are
// logged but accepted.
func NewCodec(log zerolog.Logger, clockTolerance time.Duration) *Codec {
	return &Codec{
		log:            log.With().Str("component", "codec").Logger(),
		clockTolerance: clockTolerance,
		now:            time.Now,
	}
}

// Encode serializes a frame after validating its shape.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	if err := validate(f); err != nil {
		return nil, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return data, nil
}

// Decode parses and validates a text payload into a frame.
func (c *Codec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	// A second decode distinguishes an absent timestamp from an explicit
	// zero, which Frame's int64 field cannot.
	var envelope struct {
		Timestamp *int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing timestamp", ErrInvalidFrame)
	}

	if f.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrInvalidFrame)
	}
	if f.Version != Version {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, f.Version)
	}

	if err := validate(&f); err != nil {
		return nil, err
	}

	if c.clockTolerance > 0 {
		skew := c.now().Sub(time.UnixMilli(f.Timestamp))
		if skew < 0 {
			skew = -skew
		}
		if skew > c.clockTolerance {
			c.log.Warn().
				Int64("timestamp", f.Timestamp).
				Dur("skew", skew).
				Str("type", string(f.Type)).
				Msg("frame timestamp outside clock tolerance")
		}
	}

	return &f, nil
}

// validate enforces the per-type shape rules shared by Encode and Decode.
func validate(f *Frame) error {
	if f.Timestamp < 0 {
		return fmt.Errorf("%w: negative timestamp", ErrInvalidFrame)
	}

	switch f.Type {
	case TypeRequest:
		if f.ID == "" {
			return fmt.Errorf("%w: request without id", ErrInvalidFrame)
		}
		if !opPattern.MatchString(f.Op) {
			return fmt.Errorf("%w: bad request op %q", ErrInvalidFrame, f.Op)
		}
		if !IsRequestOp(f.Op) {
			return fmt.Errorf("%w: unknown request op %q", ErrInvalidFrame, f.Op)
		}

	case TypeResponse:
		if f.ID == "" {
			return fmt.Errorf("%w: response without id", ErrInvalidFrame)
		}
		if f.Success == nil {
			return fmt.Errorf("%w: response without success", ErrInvalidFrame)
		}
		if !*f.Success && f.Error == nil {
			return fmt.Errorf("%w: failed response without error", ErrInvalidFrame)
		}

	case TypeEvent:
		if !opPattern.MatchString(f.Op) {
			return fmt.Errorf("%w: bad event op %q", ErrInvalidFrame, f.Op)
		}
		if !strings.HasPrefix(f.Op, "player.") && !strings.HasPrefix(f.Op, "server.") {
			return fmt.Errorf("%w: event op %q outside event namespace", ErrInvalidFrame, f.Op)
		}

	case TypeSystem:
		switch f.SystemOp {
		case SystemPing, SystemPong:
			// correlation optional
		case SystemHandshake, SystemDisconnect:
			if f.ID == "" {
				return fmt.Errorf("%w: system %s without id", ErrInvalidFrame, f.SystemOp)
			}
		default:
			return fmt.Errorf("%w: unknown system op %q", ErrInvalidFrame, f.SystemOp)
		}

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}

	return nil
}
