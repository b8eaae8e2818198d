/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobhandlers

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/cloudflare/ahocorasick"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
)

const scanChunkSize = 64 * 1024

// EICARSignature is the standard antivirus test string.
const EICARSignature = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// ScanPayload is the payload of "virus-scan" jobs.
type ScanPayload struct {
	Path string `json:"path"`
}

// ScanResult is the result of "virus-scan" jobs for clean files.
type ScanResult struct {
	Path         string `json:"path"`
	ScannedBytes int64  `json:"scannedBytes"`
	Clean        bool   `json:"clean"`
}

// InfectedFileError fails a scan job when the file contains known signatures.
type InfectedFileError struct {
	Path       string
	Signatures []string
}

func (e *InfectedFileError) Error() string {
	return fmt.Sprintf("file %q is infected: matched signatures [%s]", e.Path, strings.Join(e.Signatures, ", "))
}

// Signature is a named byte pattern.
type Signature struct {
	Name    string
	Pattern []byte
}

// ParseSignature parses "name=pattern" where the pattern is either plain text or "hex:<hex bytes>".
// Without "name=" the pattern itself is used as the name.
func ParseSignature(s string) (Signature, error) {
	name, pattern := s, s
	if i := strings.Index(s, "="); i > 0 {
		name, pattern = s[:i], s[i+1:]
	}
	if hexPattern, ok := strings.CutPrefix(pattern, "hex:"); ok {
		b, err := hex.DecodeString(hexPattern)
		if err != nil {
			return Signature{}, fmt.Errorf("decode hex signature %q: %w", name, err)
		}
		return Signature{Name: name, Pattern: b}, nil
	}
	if pattern == "" {
		return Signature{}, fmt.Errorf("empty signature %q", name)
	}
	return Signature{Name: name, Pattern: []byte(pattern)}, nil
}

// Scanner streams files through an Aho-Corasick matcher built from signatures.
type Scanner struct {
	root        *StorageRoot
	signatures  []Signature
	matcherMu   sync.Mutex // Matcher keeps per-call state
	matcher     *ahocorasick.Matcher
	maxPattern  int
	maxFileSize config.ByteSize
	logger      log.FieldLogger
}

var _ jobqueue.Handler = (*Scanner)(nil)

// NewScanner creates a new Scanner. Files bigger than maxFileSize (if positive) are not scanned and fail the job.
func NewScanner(root *StorageRoot, signatures []Signature, maxFileSize config.ByteSize, logger log.FieldLogger) (*Scanner, error) {
	if len(signatures) == 0 {
		return nil, errors.New("at least one signature is required")
	}
	patterns := make([][]byte, 0, len(signatures))
	maxPattern := 0
	for _, sig := range signatures {
		if len(sig.Pattern) == 0 {
			return nil, fmt.Errorf("empty signature %q", sig.Name)
		}
		patterns = append(patterns, sig.Pattern)
		if len(sig.Pattern) > maxPattern {
			maxPattern = len(sig.Pattern)
		}
	}
	return &Scanner{
		root:        root,
		signatures:  signatures,
		matcher:     ahocorasick.NewMatcher(patterns),
		maxPattern:  maxPattern,
		maxFileSize: maxFileSize,
		logger:      logger,
	}, nil
}

// Handle scans the file from the job payload.
func (s *Scanner) Handle(ctx context.Context, job *jobqueue.Job) (json.RawMessage, error) {
	var payload ScanPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	path, err := s.root.Resolve(payload.Path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) // nolint:gosec // path is confined to the storage root
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck

	if s.maxFileSize > 0 {
		fi, statErr := f.Stat()
		if statErr != nil {
			return nil, statErr
		}
		if uint64(fi.Size()) > uint64(s.maxFileSize) { //nolint:gosec // size is not negative
			return nil, fmt.Errorf("file is larger than %s", s.maxFileSize)
		}
	}

	matched, scanned, err := s.scan(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("scan %q: %w", payload.Path, err)
	}
	if len(matched) != 0 {
		s.logger.Warn("infected file found", log.String("path", payload.Path), log.Strings("signatures", matched))
		return nil, &InfectedFileError{Path: payload.Path, Signatures: matched}
	}
	return json.Marshal(ScanResult{Path: payload.Path, ScannedBytes: scanned, Clean: true})
}

// scan reads r in chunks keeping the last maxPattern-1 bytes of the previous chunk,
// so signatures crossing chunk boundaries are found too.
func (s *Scanner) scan(ctx context.Context, r io.Reader) (matched []string, scanned int64, err error) {
	found := make(map[int]struct{})
	overlap := s.maxPattern - 1
	buf := make([]byte, overlap+scanChunkSize)
	carry := 0
	for {
		if err = ctx.Err(); err != nil {
			return nil, scanned, err
		}
		n, readErr := io.ReadFull(r, buf[carry:])
		if n > 0 {
			scanned += int64(n)
			s.matcherMu.Lock()
			hits := s.matcher.Match(buf[:carry+n])
			s.matcherMu.Unlock()
			for _, idx := range hits {
				found[idx] = struct{}{}
			}
			keep := overlap
			if carry+n < keep {
				keep = carry + n
			}
			copy(buf, buf[carry+n-keep:carry+n])
			carry = keep
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, scanned, readErr
		}
	}
	for idx := range found {
		matched = append(matched, s.signatures[idx].Name)
	}
	sort.Strings(matched)
	return matched, scanned, nil
}
