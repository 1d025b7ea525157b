// Package sshstore implements the remote peer protocol (spec §4.7): a
// client spawns the same binary over ssh in --server mode and drives it
// with a line-oriented command/response protocol, payload bytes framed
// explicitly by write/read commands rather than mixed into the JSON
// stream.
package sshstore

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// noneUUID is the wire spelling of "no predecessor" in an edges/measure
// command argument, distinct from the s3store key convention's zero
// UUID because this protocol's argument grammar is plain text, not a
// fixed-width key.
const noneUUID = "None"

// encodeCommand renders a command line: space-separated, each argument
// URL-percent-encoded so embedded spaces or newlines cannot desynchronize
// the reader from the next line (spec §4.7).
func encodeCommand(cmd string, args ...string) string {
	var b strings.Builder
	b.WriteString(cmd)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(url.QueryEscape(a))
	}
	b.WriteByte('\n')
	return b.String()
}

// parseCommand is encodeCommand's inverse, applied server-side to a
// line already stripped of its trailing newline.
func parseCommand(line string) (cmd string, args []string, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("sshstore: empty command line")
	}
	cmd = fields[0]
	for _, f := range fields[1:] {
		decoded, derr := url.QueryUnescape(f)
		if derr != nil {
			return "", nil, fmt.Errorf("sshstore: decoding argument %q: %w", f, derr)
		}
		args = append(args, decoded)
	}
	return cmd, args, nil
}

func encodeUUID(id uuid.UUID) string {
	if id == uuid.Nil {
		return noneUUID
	}
	return id.String()
}

func decodeUUID(s string) (uuid.UUID, error) {
	if s == "" || s == noneUUID {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

func decodeUint(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) }

func decodeInt(s string) (int, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return int(n), err
}

func decodeBool(s string) (bool, error) { return strconv.ParseBool(s) }

// WireVolume is the JSON rendering of a model.Volume.
type WireVolume struct {
	UUID          string   `json:"uuid"`
	Gen           uint64   `json:"gen"`
	TotalSize     *uint64  `json:"totalSize,omitempty"`
	ExclusiveSize *uint64  `json:"exclusiveSize,omitempty"`
	Paths         []string `json:"paths,omitempty"`
}

// WireDiff is the JSON rendering of a model.Diff's endpoints, omitting
// Sink: the remote end of the wire already knows which store it is.
type WireDiff struct {
	To              string `json:"to"`
	From            string `json:"from"`
	Size            uint64 `json:"size"`
	SizeIsEstimated bool   `json:"sizeIsEstimated"`
}

// Response is the single JSON object returned for every command, per
// spec §4.7. Only the fields relevant to the command that produced it
// are populated; the rest are omitted.
type Response struct {
	OK bool `json:"ok"`

	// Error fields, populated together: "every error is encoded as
	// {error, errorType, command, traceback, server:true}".
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	Command   string `json:"command,omitempty"`
	Traceback string `json:"traceback,omitempty"`
	Server    bool   `json:"server,omitempty"`

	Version string       `json:"version,omitempty"`
	Volumes []WireVolume `json:"volumes,omitempty"`
	Edges   []WireDiff   `json:"edges,omitempty"`

	Size            uint64 `json:"size,omitempty"`
	SizeIsEstimated bool   `json:"sizeIsEstimated,omitempty"`

	// N is the payload length for a read/write framing response: for
	// "read", the number of raw bytes immediately following this line
	// (0 meaning end of stream); for "write", the number of bytes the
	// server actually consumed.
	N int `json:"n,omitempty"`

	Deleted []string `json:"deleted,omitempty"`
}

func errorResponse(cmd string, err error) Response {
	return Response{
		Error:     err.Error(),
		ErrorType: fmt.Sprintf("%T", err),
		Command:   cmd,
		Server:    true,
	}
}
